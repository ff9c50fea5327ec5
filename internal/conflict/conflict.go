// Package conflict implements the three-tier field-level conflict
// resolver: identical-value auto-merge, pending-local-wins, and
// last-write-wins with a device-id tiebreak, plus delete-wins dominance
// over the whole entity. The resolution and tiebreak shape is grounded on
// the gonotes delete-wins/LWW rules and the toolbridge-api strict
// last-write comparison, generalized from a fixed two-table schema to
// arbitrary entity tables.
package conflict

import (
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// reservedKeys are never subject to conflict resolution: id is immutable,
// created_at never changes, and _version is computed by the resolver
// itself rather than merged.
var reservedKeys = map[string]bool{
	"id":         true,
	"created_at": true,
	"_version":   true,
}

// FieldConflictResolution records how one field was resolved.
type FieldConflictResolution struct {
	Field         string
	LocalValue    interface{}
	RemoteValue   interface{}
	ResolvedValue interface{}
	Winner        localstore.Winner
	Strategy      localstore.Strategy
}

// Resolution is the output of Resolve: the merged entity plus an audit
// trail of every field that required a decision.
type Resolution struct {
	MergedEntity    localstore.Entity
	FieldResolutions []FieldConflictResolution
	HasConflicts    bool
}

// Resolver applies the resolution algorithm and best-effort persists an
// audit trail to LocalStore's conflict history.
type Resolver struct {
	store *localstore.Store
	logger *logrus.Logger
	// numericMergeFields lists, per table, the fields flagged for the
	// numeric_merge strategy name (spec open question: name-only, value
	// still follows last_write).
	numericMergeFields map[string]map[string]bool
	// excludeFromConflict lists extra per-table fields the caller wants
	// skipped entirely, beyond id/created_at/_version.
	excludeFromConflict map[string]map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithNumericMergeFields flags field as eligible for the reserved
// numeric_merge strategy name on table.
func WithNumericMergeFields(table string, fields ...string) Option {
	return func(r *Resolver) {
		if r.numericMergeFields[table] == nil {
			r.numericMergeFields[table] = map[string]bool{}
		}
		for _, f := range fields {
			r.numericMergeFields[table][f] = true
		}
	}
}

// WithExcludedFields removes field from conflict resolution on table
// entirely: remote's value is always taken, with no resolution recorded.
func WithExcludedFields(table string, fields ...string) Option {
	return func(r *Resolver) {
		if r.excludeFromConflict[table] == nil {
			r.excludeFromConflict[table] = map[string]bool{}
		}
		for _, f := range fields {
			r.excludeFromConflict[table][f] = true
		}
	}
}

// New returns a Resolver. store may be nil if audit persistence is not
// wanted (e.g. in unit tests exercising only the merge algebra).
func New(store *localstore.Store, logger *logrus.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Resolver{
		store:                store,
		logger:               logger,
		numericMergeFields:   map[string]map[string]bool{},
		excludeFromConflict:  map[string]map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve implements spec.md §4.5. local may be nil (first pull of a
// remotely-created row).
func (r *Resolver) Resolve(table, entityID string, local, remote localstore.Entity, pendingOps []localstore.OutboxItem) Resolution {
	if local == nil {
		return Resolution{MergedEntity: remote.Clone(), HasConflicts: false}
	}

	if isDeleted(local) || isDeleted(remote) {
		return r.resolveDeleteWins(table, entityID, local, remote)
	}

	merged := remote.Clone()
	var resolutions []FieldConflictResolution

	excluded := r.excludeFromConflict[table]
	keys := unionKeys(local, remote)
	for _, k := range keys {
		if reservedKeys[k] || excluded[k] {
			continue
		}
		lv, rv := local[k], remote[k]
		if valuesEqual(lv, rv) {
			continue // Tier 2: identical values never need a decision.
		}

		res := r.resolveField(table, k, lv, rv, local, remote, pendingOps)
		merged[k] = res.ResolvedValue
		resolutions = append(resolutions, res)
	}

	merged["updated_at"] = laterOf(local["updated_at"], remote["updated_at"])
	merged["_version"] = maxVersion(local["_version"], remote["_version"]) + 1
	merged["device_id"] = resolveMergedDeviceID(local, remote, resolutions)

	result := Resolution{MergedEntity: merged, FieldResolutions: resolutions, HasConflicts: len(resolutions) > 0}
	r.audit(table, entityID, result)
	return result
}

func (r *Resolver) resolveField(table, field string, lv, rv interface{}, local, remote localstore.Entity, pendingOps []localstore.OutboxItem) FieldConflictResolution {
	if fieldHasPendingOp(field, pendingOps) {
		return FieldConflictResolution{
			Field: field, LocalValue: lv, RemoteValue: rv, ResolvedValue: lv,
			Winner: localstore.WinnerLocal, Strategy: localstore.StrategyLocalPending,
		}
	}

	strategy := localstore.StrategyLastWrite
	if r.numericMergeFields[table][field] && isNumeric(lv) && isNumeric(rv) {
		// Reserved name only: falls through to last_write (spec open
		// question — no additive cross-device merge is implemented).
		strategy = localstore.StrategyNumericMerge
	}

	localWins := lastWriteWins(local, remote)
	if localWins {
		return FieldConflictResolution{Field: field, LocalValue: lv, RemoteValue: rv, ResolvedValue: lv, Winner: localstore.WinnerLocal, Strategy: strategy}
	}
	return FieldConflictResolution{Field: field, LocalValue: lv, RemoteValue: rv, ResolvedValue: rv, Winner: localstore.WinnerRemote, Strategy: strategy}
}

// lastWriteWins compares updated_at, breaking ties lexicographically by
// device_id (lower wins), per spec.md §4.5.3.c.
func lastWriteWins(local, remote localstore.Entity) bool {
	lt, lok := asTime(local["updated_at"])
	rt, rok := asTime(remote["updated_at"])
	switch {
	case lok && rok && !lt.Equal(rt):
		return lt.After(rt)
	case lok && !rok:
		return true
	case !lok && rok:
		return false
	}
	ld, _ := local["device_id"].(string)
	rd, _ := remote["device_id"].(string)
	return ld < rd
}

func (r *Resolver) resolveDeleteWins(table, entityID string, local, remote localstore.Entity) Resolution {
	winner := remote
	if isDeleted(local) {
		winner = local
	}
	merged := winner.Clone()
	merged["updated_at"] = laterOf(local["updated_at"], remote["updated_at"])
	merged["_version"] = maxVersion(local["_version"], remote["_version"]) + 1

	res := FieldConflictResolution{
		Field: "deleted", LocalValue: local["deleted"], RemoteValue: remote["deleted"],
		ResolvedValue: true, Winner: winnerOf(winner, local), Strategy: localstore.StrategyDeleteWins,
	}
	result := Resolution{MergedEntity: merged, FieldResolutions: []FieldConflictResolution{res}, HasConflicts: true}
	r.audit(table, entityID, result)
	return result
}

func winnerOf(winner, local localstore.Entity) localstore.Winner {
	if reflect.ValueOf(winner).Pointer() == reflect.ValueOf(local).Pointer() {
		return localstore.WinnerLocal
	}
	return localstore.WinnerRemote
}

// fieldHasPendingOp reports whether any queued outbox op still targets
// field: a single-field op naming it, a multi-field set whose value
// contains it, or any increment on it.
func fieldHasPendingOp(field string, pendingOps []localstore.OutboxItem) bool {
	for _, op := range pendingOps {
		switch op.Op {
		case localstore.OpIncrement:
			if op.Field == field {
				return true
			}
		case localstore.OpSet:
			if op.Field == field {
				return true
			}
			if op.Field == "" {
				if obj, ok := op.Value.(localstore.Entity); ok {
					if _, present := obj[field]; present {
						return true
					}
				}
			}
		}
	}
	return false
}

func (r *Resolver) audit(table, entityID string, res Resolution) {
	if r.store == nil {
		return
	}
	for _, fr := range res.FieldResolutions {
		err := r.store.Update(func(tx *localstore.Tx) error {
			return tx.ConflictHistoryAppend(localstore.ConflictHistoryEntry{
				EntityID: entityID, Table: table, Field: fr.Field,
				LocalValue: fr.LocalValue, RemoteValue: fr.RemoteValue, ResolvedValue: fr.ResolvedValue,
				Winner: fr.Winner, Strategy: fr.Strategy, At: time.Now().UTC(),
			})
		})
		// Audit persistence is best-effort per spec.md §4.5; never block
		// the merge on a logging failure.
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{"table": table, "entityId": entityID, "field": fr.Field}).
				Warn("failed to persist conflict history entry")
		}
	}
}

func isDeleted(e localstore.Entity) bool {
	v, _ := e["deleted"].(bool)
	return v
}

func unionKeys(a, b localstore.Entity) []string {
	seen := map[string]bool{}
	var out []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

func isNumeric(v interface{}) bool {
	_, ok := v.(float64)
	return ok
}

func laterOf(a, b interface{}) interface{} {
	at, aok := asTime(a)
	bt, bok := asTime(b)
	switch {
	case aok && bok:
		if at.After(bt) {
			return a
		}
		return b
	case aok:
		return a
	default:
		return b
	}
}

func maxVersion(a, b interface{}) float64 {
	av, _ := a.(float64)
	bv, _ := b.(float64)
	if av > bv {
		return av
	}
	return bv
}

func asTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func resolveMergedDeviceID(local, remote localstore.Entity, resolutions []FieldConflictResolution) interface{} {
	for _, fr := range resolutions {
		if fr.Strategy == localstore.StrategyLastWrite || fr.Strategy == localstore.StrategyNumericMerge {
			if fr.Winner == localstore.WinnerLocal {
				return local["device_id"]
			}
			return remote["device_id"]
		}
	}
	return local["device_id"]
}
