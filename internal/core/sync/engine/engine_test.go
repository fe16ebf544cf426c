package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/core/sync"
	"github.com/driftline/driftline/internal/core/sync/clock"
	"github.com/driftline/driftline/internal/core/sync/state"
)

type fixture struct {
	engine *Engine
	fields map[string]any
	sent   [][]sync.Patch
	inbox  []sync.Patch
}

// newFixture builds an engine tracking a single "workspace" state backed by a
// map, with send/receive callbacks recording into the fixture.
func newFixture(t *testing.T, initial map[string]any) *fixture {
	t.Helper()

	f := &fixture{fields: initial}
	f.engine = New(state.NewTracker(), clock.NewWithNodeID("local-node"))

	err := f.engine.Track(state.Syncable{
		ID:         "workspace",
		EntityType: "workspace",
		Snapshot: func() map[string]any {
			out := make(map[string]any, len(f.fields))
			for k, v := range f.fields {
				out[k] = v
			}
			return out
		},
		Apply: func(op sync.Operation) error {
			if op.Type == sync.OpDelete {
				delete(f.fields, op.Path)
				return nil
			}
			f.fields[op.Path] = op.Data
			return nil
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) send(_ context.Context, patches []sync.Patch) error {
	f.sent = append(f.sent, patches)
	return nil
}

func (f *fixture) receive(_ context.Context, _ int64) ([]sync.Patch, error) {
	out := f.inbox
	f.inbox = nil
	return out, nil
}

func remotePatch(id string, ts int64, ops ...sync.Operation) sync.Patch {
	return sync.Patch{
		ID:         id,
		Timestamp:  ts,
		UserID:     "remote-node",
		EntityType: "workspace",
		EntityID:   "workspace",
		Operations: ops,
	}
}

func TestSyncSendsLocalChangesAndCommits(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})
	f.fields["title"] = "b"

	conflicts, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	require.Len(t, f.sent, 1)
	require.Len(t, f.sent[0], 1)
	require.Equal(t, "workspace", f.sent[0][0].EntityID)
	require.Len(t, f.sent[0][0].Operations, 1)
	require.Equal(t, "b", f.sent[0][0].Operations[0].Data)

	// acknowledged: nothing pending, next sync sends nothing
	require.Zero(t, f.engine.Metrics().PendingPatches)
	_, err = f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Len(t, f.sent, 1)
}

func TestSendFailureKeepsPatchesPending(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})
	f.fields["title"] = "b"

	failingSend := func(context.Context, []sync.Patch) error {
		return errors.New("connection reset")
	}

	_, err := f.engine.PerformSync(context.Background(), failingSend, f.receive)
	require.Error(t, err)
	require.Equal(t, 1, f.engine.Metrics().PendingPatches)

	// next attempt delivers the change
	_, err = f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Len(t, f.sent, 1)
	require.Equal(t, "b", f.sent[0][0].Operations[0].Data)
	require.Zero(t, f.engine.Metrics().PendingPatches)
}

func TestOfflineEditsCoalesceIntoOnePendingPatch(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})
	failingSend := func(context.Context, []sync.Patch) error {
		return errors.New("offline")
	}

	f.fields["title"] = "b"
	_, err := f.engine.PerformSync(context.Background(), failingSend, f.receive)
	require.Error(t, err)

	f.fields["theme"] = "dark"
	_, err = f.engine.PerformSync(context.Background(), failingSend, f.receive)
	require.Error(t, err)

	// the second diff supersedes the first patch and carries both edits
	pending := f.engine.PendingPatches()
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Operations, 2)
}

func TestRemotePatchApplies(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})
	f.inbox = []sync.Patch{remotePatch("p1", 10,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "remote"})}

	conflicts, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Empty(t, conflicts)
	require.Equal(t, "remote", f.fields["title"])
	require.Equal(t, uint64(1), f.engine.Metrics().AppliedPatches)
}

func TestDuplicateRemotePatchIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]any{"counter": 0})
	patch := remotePatch("p1", 10,
		sync.Operation{Type: sync.OpUpdate, Path: "counter", Data: 1})

	f.inbox = []sync.Patch{patch}
	_, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)

	// duplicate delivery of the same patch id
	f.inbox = []sync.Patch{patch}
	_, err = f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)

	m := f.engine.Metrics()
	require.Equal(t, uint64(1), m.AppliedPatches)
	require.Equal(t, uint64(1), m.DuplicatePatches)
	require.EqualValues(t, 1, f.fields["counter"])
}

func TestConflictDetection(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	f.fields["title"] = "b" // local, unsent
	f.inbox = []sync.Patch{remotePatch("p1", 99,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "c"})}

	conflicts, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)

	require.Len(t, conflicts, 1)
	require.Equal(t, "title", conflicts[0].Path)
	require.Equal(t, "b", conflicts[0].LocalValue)
	require.Equal(t, "c", conflicts[0].RemoteValue)

	// local state must not be silently overwritten
	require.Equal(t, "b", f.fields["title"])
	require.Equal(t, 1, f.engine.Metrics().OpenConflicts)
}

func TestEqualTimestampTieBreakLocalWins(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	f.fields["title"] = "b"
	// local patch gets timestamp 1 from a fresh clock; remote uses the same
	f.inbox = []sync.Patch{remotePatch("p1", 1,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "c"})}

	conflicts, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Empty(t, conflicts)
	require.Equal(t, "b", f.fields["title"])
}

func TestSameValueConcurrentEditIsNotAConflict(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	f.fields["title"] = "b"
	f.inbox = []sync.Patch{remotePatch("p1", 99,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "b"})}

	conflicts, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Empty(t, conflicts)
	require.Equal(t, "b", f.fields["title"])
}

func TestResolveRemote(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})
	f.fields["title"] = "b"
	f.inbox = []sync.Patch{remotePatch("p1", 99,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "c"})}

	conflicts, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, f.engine.Resolve("workspace", "workspace", sync.ResolveRemote))
	require.Equal(t, "c", f.fields["title"])
	require.Zero(t, f.engine.Metrics().OpenConflicts)
	// no pending patch re-emitting the discarded local value
	require.Zero(t, f.engine.Metrics().PendingPatches)
}

func TestResolveLocalReEmitsPatch(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})
	f.fields["title"] = "b"
	f.inbox = []sync.Patch{remotePatch("p1", 99,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "c"})}

	_, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)

	require.NoError(t, f.engine.Resolve("workspace", "workspace", sync.ResolveLocal))
	require.Equal(t, "b", f.fields["title"])

	pending := f.engine.PendingPatches()
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].Operations[0].Data)
	require.Zero(t, f.engine.Metrics().OpenConflicts)
}

func TestResolveMerge(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	merge := func(c sync.Conflict) (any, error) {
		return c.LocalValue.(string) + "+" + c.RemoteValue.(string), nil
	}
	f.engine = New(state.NewTracker(), clock.NewWithNodeID("local-node"), WithMergeFunc(merge))
	require.NoError(t, f.engine.Track(state.Syncable{
		ID:         "workspace",
		EntityType: "workspace",
		Snapshot: func() map[string]any {
			out := make(map[string]any, len(f.fields))
			for k, v := range f.fields {
				out[k] = v
			}
			return out
		},
		Apply: func(op sync.Operation) error {
			f.fields[op.Path] = op.Data
			return nil
		},
	}))

	f.fields["title"] = "b"
	f.inbox = []sync.Patch{remotePatch("p1", 99,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "c"})}

	_, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)

	require.NoError(t, f.engine.Resolve("workspace", "workspace", sync.ResolveMerge))
	require.Equal(t, "b+c", f.fields["title"])

	pending := f.engine.PendingPatches()
	require.Len(t, pending, 1)
	require.Equal(t, "b+c", pending[0].Operations[0].Data)
}

func TestResolveUnknownConflict(t *testing.T) {
	f := newFixture(t, map[string]any{})
	err := f.engine.Resolve("workspace", "workspace", sync.ResolveLocal)
	require.ErrorIs(t, err, sync.ErrConflictNotFound)
}

func TestMalformedRemoteOperationsAreSkipped(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	f.inbox = []sync.Patch{remotePatch("p1", 10,
		sync.Operation{Type: sync.OperationType(42), Path: "title", Data: "x"},
		sync.Operation{Type: sync.OpUpdate, Path: "", Data: "y"},
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "ok"},
	)}

	conflicts, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	// the malformed operations must not abort the rest of the batch
	require.Equal(t, "ok", f.fields["title"])
}

func TestOwnEchoedPatchIsIgnored(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	echo := remotePatch("p1", 5,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "echoed"})
	echo.UserID = "local-node"
	f.inbox = []sync.Patch{echo}

	_, err := f.engine.PerformSync(context.Background(), f.send, f.receive)
	require.NoError(t, err)
	require.Equal(t, "a", f.fields["title"])
	require.Zero(t, f.engine.Metrics().AppliedPatches)
}

func TestCursorAdvancesPastOwnEcho(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	echo := remotePatch("p1", 7,
		sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "echoed"})
	echo.UserID = "local-node"

	// a remote that does not filter by origin keeps returning the echo
	var cursors []int64
	receive := func(_ context.Context, since int64) ([]sync.Patch, error) {
		cursors = append(cursors, since)
		return []sync.Patch{echo}, nil
	}

	for i := 0; i < 3; i++ {
		_, err := f.engine.PerformSync(context.Background(), f.send, receive)
		require.NoError(t, err)
	}

	// the skipped echo still moves the cursor, so later pulls ask past it
	require.Equal(t, []int64{0, 7, 7}, cursors)
	require.Equal(t, "a", f.fields["title"])
	require.Zero(t, f.engine.Metrics().AppliedPatches)
}

func TestReceiveCursorAdvances(t *testing.T) {
	f := newFixture(t, map[string]any{"title": "a"})

	var cursors []int64
	receive := func(_ context.Context, since int64) ([]sync.Patch, error) {
		cursors = append(cursors, since)
		if len(cursors) == 1 {
			return []sync.Patch{remotePatch("p1", 42,
				sync.Operation{Type: sync.OpUpdate, Path: "title", Data: "x"})}, nil
		}
		return nil, nil
	}

	_, err := f.engine.PerformSync(context.Background(), f.send, receive)
	require.NoError(t, err)
	_, err = f.engine.PerformSync(context.Background(), f.send, receive)
	require.NoError(t, err)

	require.Equal(t, []int64{0, 42}, cursors)
}
