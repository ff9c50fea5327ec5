// Package coalesce implements the pure in-memory reduction of an Outbox
// snapshot to a minimal equivalent sequence, applied immediately before
// each push cycle. It touches no store: callers take a snapshot, pass it
// through Reduce, and write the result back in one batch, the same
// snapshot-then-batch shape internal/metadata/pebble_store.go uses for
// object metadata writes.
package coalesce

import (
	"github.com/offlinesync/syncengine/internal/localstore"
)

// groupKey identifies one (table, entityId) outbox group. Items never move
// between groups and groups never reorder relative to each other.
type groupKey struct {
	table    string
	entityID string
}

// Reduce returns the minimal equivalent set of outbox items for snapshot,
// in ascending seq order. The returned slice may alias items from snapshot;
// callers must not mutate it further. changed reports whether the reduction
// differs from the input (i.e. whether Outbox.Replace is worth calling).
func Reduce(snapshot []localstore.OutboxItem) (kept []localstore.OutboxItem, changed bool) {
	groups := make(map[groupKey][]localstore.OutboxItem)
	var order []groupKey
	for _, item := range snapshot {
		k := groupKey{item.Table, item.EntityID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], item)
	}

	var result []localstore.OutboxItem
	for _, k := range order {
		result = append(result, reduceGroup(groups[k])...)
	}

	sortBySeq(result)
	return result, !sameSequence(snapshot, result)
}

func sameSequence(a, b []localstore.OutboxItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Seq != b[i].Seq {
			return false
		}
	}
	return true
}

func sortBySeq(items []localstore.OutboxItem) {
	// Insertion sort: groups are already internally seq-ordered and the
	// number of surviving items per push cycle is small; this also keeps
	// the reduction side free of any import beyond what it needs.
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].Seq > items[j].Seq {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}

// reduceGroup applies phases A, B and C to every item sharing one
// (table, entityId).
func reduceGroup(items []localstore.OutboxItem) []localstore.OutboxItem {
	hasCreate, hasDelete := false, false
	for _, item := range items {
		switch item.Op {
		case localstore.OpCreate:
			hasCreate = true
		case localstore.OpDelete:
			hasDelete = true
		}
	}

	switch {
	case hasCreate && hasDelete:
		// Rule A.1: the entity never materialized on the server. Drop the
		// whole group.
		return nil
	case hasDelete:
		// Rule A.2: keep only the delete(s); every preceding op is moot.
		var out []localstore.OutboxItem
		for _, item := range items {
			if item.Op == localstore.OpDelete {
				out = append(out, item)
			}
		}
		return out
	case hasCreate:
		return []localstore.OutboxItem{foldIntoCreate(items)}
	default:
		return reduceFieldLevel(items)
	}
}

// foldIntoCreate implements rule A.3: every later set/increment is folded
// into the create payload and dropped.
func foldIntoCreate(items []localstore.OutboxItem) localstore.OutboxItem {
	var create localstore.OutboxItem
	for _, item := range items {
		if item.Op == localstore.OpCreate {
			create = item
			break
		}
	}
	payload, _ := create.Value.(localstore.Entity)
	if payload == nil {
		payload = localstore.Entity{}
	}
	payload = payload.Clone()

	for _, item := range items {
		switch item.Op {
		case localstore.OpSet:
			applySetToPayload(payload, item)
		case localstore.OpIncrement:
			delta := asFloat(item.Value)
			current := asFloat(payload[item.Field])
			payload[item.Field] = current + delta
		}
	}
	create.Value = payload
	return create
}

func applySetToPayload(payload localstore.Entity, item localstore.OutboxItem) {
	if item.Field != "" {
		payload[item.Field] = item.Value
		return
	}
	if obj, ok := item.Value.(localstore.Entity); ok {
		for k, v := range obj {
			payload[k] = v
		}
	}
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// fieldOp is one single-field effect extracted from a set or increment
// item, decomposing multi-field sets per key so phase B's per-field
// reduction can treat them uniformly.
type fieldOp struct {
	field string
	op    localstore.Op
	value interface{}
	seq   uint64
	at    localstore.OutboxItem // the surviving item's shape, reused as output carrier
}

// reduceFieldLevel implements phases B and C for a group containing no
// create or delete: field-level collapsing, then rule 5's recombination of
// every surviving set into one object-valued item, then no-op elimination.
func reduceFieldLevel(items []localstore.OutboxItem) []localstore.OutboxItem {
	byField := map[string][]fieldOp{}
	var fieldOrder []string

	for _, item := range items {
		ops := decomposeFieldOps(item)
		for _, fo := range ops {
			if _, ok := byField[fo.field]; !ok {
				fieldOrder = append(fieldOrder, fo.field)
			}
			byField[fo.field] = append(byField[fo.field], fo)
		}
	}

	var out []localstore.OutboxItem
	var setFields []string
	setValues := localstore.Entity{}
	var setCarrier localstore.OutboxItem
	haveSet := false

	for _, field := range fieldOrder {
		reduced := reduceField(byField[field])
		if reduced == nil {
			continue
		}
		if reduced.Op == localstore.OpSet {
			// Rule 5: every surviving set on this entity, whatever field it
			// touches, collapses into one item — last write winning per key.
			setFields = append(setFields, field)
			setValues[field] = reduced.Value
			if !haveSet || reduced.Seq > setCarrier.Seq {
				setCarrier = *reduced
			}
			haveSet = true
			continue
		}
		out = append(out, *reduced)
	}

	if haveSet {
		merged := setCarrier
		if len(setFields) == 1 {
			merged.Field = setFields[0]
			merged.Value = setValues[setFields[0]]
		} else {
			merged.Field = ""
			merged.Value = setValues
		}
		out = append(out, merged)
	}
	return out
}

// decomposeFieldOps splits one outbox item into per-field effects: a
// single-field set/increment yields one, a multi-field set yields one per
// key in its object value.
func decomposeFieldOps(item localstore.OutboxItem) []fieldOp {
	if item.Op == localstore.OpIncrement {
		return []fieldOp{{field: item.Field, op: localstore.OpIncrement, value: item.Value, seq: item.Seq, at: item}}
	}
	// OpSet
	if item.Field != "" {
		return []fieldOp{{field: item.Field, op: localstore.OpSet, value: item.Value, seq: item.Seq, at: item}}
	}
	obj, ok := item.Value.(localstore.Entity)
	if !ok {
		return nil
	}
	out := make([]fieldOp, 0, len(obj))
	for k, v := range obj {
		out = append(out, fieldOp{field: k, op: localstore.OpSet, value: v, seq: item.Seq, at: item})
	}
	return out
}

// reduceField applies rules 4-7 to every effect touching one field, in
// original seq order, then rule 8-9 (phase C) to the survivor.
func reduceField(ops []fieldOp) *localstore.OutboxItem {
	if len(ops) == 0 {
		return nil
	}

	var state *fieldOp
	for i := range ops {
		op := ops[i]
		switch {
		case state == nil:
			cp := op
			state = &cp
		case op.op == localstore.OpIncrement && state.op == localstore.OpIncrement:
			// Rule 4: consecutive increments collapse to their sum.
			state.value = asFloat(state.value) + asFloat(op.value)
			state.seq = op.seq
			state.at = op.at
		case op.op == localstore.OpIncrement && state.op == localstore.OpSet:
			// Rule 6: a set followed by increments absorbs their deltas;
			// the set's identity and position are unchanged.
			state.value = asFloat(state.value) + asFloat(op.value)
		case op.op == localstore.OpSet:
			// Rule 5/7: a new set on this field fully supersedes whatever
			// came before it, set or increment alike.
			cp := op
			state = &cp
		}
	}

	result := state.at
	result.Field = state.field
	result.Op = state.op
	result.Value = state.value
	result.Seq = state.seq

	if isNoOp(result) {
		return nil
	}
	return &result
}

// isNoOp implements phase C: a zero-delta increment, or a set carrying an
// empty/null value or only the bookkeeping field updated_at.
func isNoOp(item localstore.OutboxItem) bool {
	if item.Op == localstore.OpIncrement {
		return asFloat(item.Value) == 0
	}
	if item.Op != localstore.OpSet {
		return false
	}
	if item.Field == "updated_at" {
		return true
	}
	switch v := item.Value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case localstore.Entity:
		if len(v) == 0 {
			return true
		}
		if len(v) == 1 {
			if _, ok := v["updated_at"]; ok {
				return true
			}
		}
		return false
	default:
		return false
	}
}
