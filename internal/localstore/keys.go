package localstore

import "fmt"

// Key prefixes follow the teacher's (internal/metadata) convention of a
// short namespace tag ending in a colon; within entity and conflict keys
// the path segments (table and id, entityId and seq) are separated by a
// NUL byte. Keys are ordered so that a lexicographic byte scan equals
// logical iteration order.
const (
	prefixEntity   = "ent:"
	prefixOutbox   = "outbox:"
	prefixConflict = "conflict:"
	prefixCursor   = "cursor:"
	prefixMeta     = "meta:"
)

func entityKey(table, id string) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%s", prefixEntity, table, id))
}

func entityTablePrefix(table string) []byte {
	return []byte(fmt.Sprintf("%s%s\x00", prefixEntity, table))
}

// seqKey zero-pads the sequence number so byte order matches numeric order,
// mirroring how the teacher orders multipart upload part keys.
func seqKey(prefix string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, seq))
}

func outboxKey(seq uint64) []byte {
	return seqKey(prefixOutbox, seq)
}

func conflictKey(entityID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%020d", prefixConflict, entityID, seq))
}

func cursorKey(userID string) []byte {
	return []byte(prefixCursor + userID)
}

func metaKey(key string) []byte {
	return []byte(prefixMeta + key)
}
