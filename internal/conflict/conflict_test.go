package conflict

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offlinesync/syncengine/internal/localstore"
)

func fieldResolution(t *testing.T, res Resolution, field string) FieldConflictResolution {
	t.Helper()
	for _, fr := range res.FieldResolutions {
		if fr.Field == field {
			return fr
		}
	}
	t.Fatalf("no field resolution recorded for %q", field)
	return FieldConflictResolution{}
}

func TestResolve_LocalNil_TakesRemoteVerbatim(t *testing.T) {
	r := New(nil, nil)
	remote := localstore.Entity{"id": "e1", "title": "hi"}
	res := r.Resolve("tasks", "e1", nil, remote, nil)
	require.False(t, res.HasConflicts)
	require.Equal(t, "hi", res.MergedEntity["title"])
}

func TestResolve_IdenticalValues_NoConflict(t *testing.T) {
	r := New(nil, nil)
	local := localstore.Entity{"id": "e1", "title": "same", "updated_at": "2026-01-01T00:00:00Z", "_version": float64(1)}
	remote := localstore.Entity{"id": "e1", "title": "same", "updated_at": "2026-01-01T00:00:00Z", "_version": float64(1)}
	res := r.Resolve("tasks", "e1", local, remote, nil)
	require.False(t, res.HasConflicts)
}

func TestResolve_DeleteWins_OverAnySide(t *testing.T) {
	r := New(nil, nil)
	local := localstore.Entity{"id": "e1", "deleted": true, "updated_at": "2026-01-01T00:00:00Z", "_version": float64(2)}
	remote := localstore.Entity{"id": "e1", "deleted": false, "title": "edited remotely", "updated_at": "2026-01-03T00:00:00Z", "_version": float64(1)}
	res := r.Resolve("tasks", "e1", local, remote, nil)
	require.True(t, res.HasConflicts)
	require.Equal(t, true, res.MergedEntity["deleted"])
	require.Equal(t, "2026-01-03T00:00:00Z", res.MergedEntity["updated_at"])
	require.Equal(t, float64(3), res.MergedEntity["_version"])
}

func TestResolve_LocalPendingWins_OverLastWrite(t *testing.T) {
	r := New(nil, nil)
	local := localstore.Entity{"id": "e1", "title": "local edit", "updated_at": "2026-01-01T00:00:00Z", "device_id": "dev-a"}
	remote := localstore.Entity{"id": "e1", "title": "remote edit", "updated_at": "2026-01-05T00:00:00Z", "device_id": "dev-b"}
	pending := []localstore.OutboxItem{{Table: "tasks", EntityID: "e1", Op: localstore.OpSet, Field: "title", Value: "local edit"}}

	res := r.Resolve("tasks", "e1", local, remote, pending)
	require.True(t, res.HasConflicts)
	require.Equal(t, "local edit", res.MergedEntity["title"])
	require.Equal(t, localstore.StrategyLocalPending, fieldResolution(t, res, "title").Strategy)
}

func TestResolve_LastWrite_LaterUpdatedAtWins(t *testing.T) {
	r := New(nil, nil)
	local := localstore.Entity{"id": "e1", "title": "older", "updated_at": "2026-01-01T00:00:00Z", "device_id": "dev-a"}
	remote := localstore.Entity{"id": "e1", "title": "newer", "updated_at": "2026-01-05T00:00:00Z", "device_id": "dev-b"}

	res := r.Resolve("tasks", "e1", local, remote, nil)
	require.True(t, res.HasConflicts)
	require.Equal(t, "newer", res.MergedEntity["title"])
	require.Equal(t, localstore.WinnerRemote, fieldResolution(t, res, "title").Winner)
}

func TestResolve_LastWrite_TieBreaksOnLowerDeviceID(t *testing.T) {
	r := New(nil, nil)
	local := localstore.Entity{"id": "e1", "title": "from-a", "updated_at": "2026-01-01T00:00:00Z", "device_id": "aaa"}
	remote := localstore.Entity{"id": "e1", "title": "from-b", "updated_at": "2026-01-01T00:00:00Z", "device_id": "bbb"}

	res := r.Resolve("tasks", "e1", local, remote, nil)
	require.Equal(t, "from-a", res.MergedEntity["title"])
	require.Equal(t, localstore.WinnerLocal, fieldResolution(t, res, "title").Winner)
}

func TestResolve_NumericMergeField_RecordsStrategyButStillLastWrite(t *testing.T) {
	r := New(nil, nil, WithNumericMergeFields("counters", "count"))
	local := localstore.Entity{"id": "c1", "count": float64(5), "updated_at": "2026-01-05T00:00:00Z", "device_id": "dev-a"}
	remote := localstore.Entity{"id": "c1", "count": float64(9), "updated_at": "2026-01-01T00:00:00Z", "device_id": "dev-b"}

	res := r.Resolve("counters", "c1", local, remote, nil)
	require.Equal(t, localstore.StrategyNumericMerge, fieldResolution(t, res, "count").Strategy)
	require.Equal(t, float64(5), res.MergedEntity["count"], "numeric_merge is a reserved name only; value still follows last_write")
}

func TestResolve_ExcludedField_NeverResolvedOrRecorded(t *testing.T) {
	r := New(nil, nil, WithExcludedFields("tasks", "internal_note"))
	local := localstore.Entity{"id": "e1", "internal_note": "local", "updated_at": "2026-01-01T00:00:00Z"}
	remote := localstore.Entity{"id": "e1", "internal_note": "remote", "updated_at": "2026-01-01T00:00:00Z"}

	res := r.Resolve("tasks", "e1", local, remote, nil)
	require.False(t, res.HasConflicts)
	require.Equal(t, "remote", res.MergedEntity["internal_note"])
}

func TestResolve_VersionIsMaxPlusOne(t *testing.T) {
	r := New(nil, nil)
	local := localstore.Entity{"id": "e1", "title": "a", "updated_at": "2026-01-01T00:00:00Z", "_version": float64(4)}
	remote := localstore.Entity{"id": "e1", "title": "b", "updated_at": "2026-01-02T00:00:00Z", "_version": float64(2)}

	res := r.Resolve("tasks", "e1", local, remote, nil)
	require.Equal(t, float64(5), res.MergedEntity["_version"])
}
