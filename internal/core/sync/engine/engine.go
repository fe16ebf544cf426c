// Package engine implements the reconciliation core: it diffs tracked state
// into patches, applies remote patches, and detects conflicting concurrent
// edits instead of silently overwriting local work.
package engine

import (
	"context"
	"fmt"
	"reflect"
	sc "sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/core/observability/log"
	"github.com/driftline/driftline/internal/core/sync"
	"github.com/driftline/driftline/internal/core/sync/clock"
	"github.com/driftline/driftline/internal/core/sync/state"
)

// SendFunc delivers local patches to the remote. A nil error means the remote
// acknowledged every patch in the batch.
type SendFunc func(ctx context.Context, patches []sync.Patch) error

// ReceiveFunc fetches remote patches produced after the given logical
// timestamp.
type ReceiveFunc func(ctx context.Context, since int64) ([]sync.Patch, error)

// MergeFunc reconciles a conflict into a single merged value.
type MergeFunc func(conflict sync.Conflict) (any, error)

// Option configures an Engine.
type Option func(*Engine)

// WithMergeFunc installs the hook used by merge resolutions.
func WithMergeFunc(fn MergeFunc) Option {
	return func(e *Engine) { e.mergeFn = fn }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l log.Log) Option {
	return func(e *Engine) { e.log = l }
}

// Engine owns the per-state baselines, the pending-patch list and the
// conflict set. Those are mutated only inside PerformSync and Resolve; values
// returned to callers are copies.
type Engine struct {
	mu      sc.Mutex
	tracker *state.Tracker
	clock   *clock.Lamport
	log     log.Log
	mergeFn MergeFunc

	pending      []sync.Patch
	conflicts    map[string]sync.Conflict
	applied      map[string]struct{}
	remoteCursor int64
	lastSyncAt   time.Time

	appliedCount   uint64
	duplicateCount uint64

	syncNeeded func(entityType string)
}

// New creates an engine around a tracker and a logical clock.
func New(tracker *state.Tracker, lc *clock.Lamport, opts ...Option) *Engine {
	e := &Engine{
		tracker:   tracker,
		clock:     lc,
		log:       log.Nop(),
		conflicts: make(map[string]sync.Conflict),
		applied:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Track registers a state slice for diffing, capturing its current snapshot
// as the last-synced baseline.
func (e *Engine) Track(s state.Syncable) error {
	return e.tracker.Register(s)
}

// OnSyncNeeded installs the callback invoked by NotifyChange. The
// orchestrator uses it to debounce bursts of edits into one round trip.
func (e *Engine) OnSyncNeeded(fn func(entityType string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncNeeded = fn
}

// NotifyChange signals that a high-value local change was made to the given
// entity type and a sync should happen soon.
func (e *Engine) NotifyChange(entityType string) {
	e.mu.Lock()
	fn := e.syncNeeded
	e.mu.Unlock()
	if fn != nil {
		fn(entityType)
	}
}

// PerformSync runs one reconciliation round: produce local patches, deliver
// them through send, pull remote patches through receive, apply the
// non-conflicting remote operations and return newly detected conflicts.
// Conflicting paths are left at their local value.
func (e *Engine) PerformSync(ctx context.Context, send SendFunc, receive ReceiveFunc) ([]sync.Conflict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	committable, err := e.producePatches()
	if err != nil {
		return nil, err
	}

	// Remember what was outbound this round: remote patches produced
	// concurrently were created without knowledge of these operations.
	outbound := snapshotLocalOps(e.pending)

	if len(e.pending) > 0 {
		if err := send(ctx, clonePatches(e.pending)); err != nil {
			return nil, fmt.Errorf("send patches: %w", err)
		}
		e.pending = e.pending[:0]
		for id, snap := range committable {
			if err := e.tracker.Commit(id, snap); err != nil {
				return nil, err
			}
		}
	}

	remote, err := receive(ctx, e.remoteCursor)
	if err != nil {
		return nil, fmt.Errorf("receive patches: %w", err)
	}

	newConflicts := e.applyRemote(remote, outbound)
	e.lastSyncAt = time.Now()
	return newConflicts, nil
}

// producePatches diffs every tracked state and turns changes into pending
// patches. It returns the diffed snapshots keyed by state id, to be committed
// once the remote acknowledges the batch.
func (e *Engine) producePatches() (map[string]map[string]any, error) {
	committable := make(map[string]map[string]any)

	for _, id := range e.tracker.IDs() {
		ops, snap, changed, err := e.tracker.Diff(id)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}

		entityType, err := e.tracker.EntityType(id)
		if err != nil {
			return nil, err
		}

		patch := sync.Patch{
			ID:         uuid.NewString(),
			Timestamp:  e.clock.Tick(),
			UserID:     e.clock.NodeID(),
			EntityType: entityType,
			EntityID:   id,
			Operations: ops,
		}

		// A fresh diff covers everything an earlier unacknowledged patch
		// for the same state carried, so the stale patch is superseded.
		e.dropPendingFor(id)
		e.pending = append(e.pending, patch)
		committable[id] = snap
	}
	return committable, nil
}

type localOp struct {
	op        sync.Operation
	timestamp int64
}

// snapshotLocalOps indexes the not-yet-acknowledged local operations by
// entity and path for conflict comparison.
func snapshotLocalOps(pending []sync.Patch) map[string]map[string]localOp {
	out := make(map[string]map[string]localOp)
	for _, p := range pending {
		key := entityKey(p.EntityType, p.EntityID)
		if out[key] == nil {
			out[key] = make(map[string]localOp)
		}
		for _, op := range p.Operations {
			out[key][op.Path] = localOp{op: op, timestamp: p.Timestamp}
		}
	}
	return out
}

// applyRemote walks the remote patches, applying operations that do not
// collide with outbound local edits and recording conflicts for those that
// do. Malformed operations are logged and skipped without aborting the batch.
func (e *Engine) applyRemote(remote []sync.Patch, outbound map[string]map[string]localOp) []sync.Conflict {
	var newConflicts []sync.Conflict

	for _, patch := range remote {
		// The cursor moves past every delivered patch, applied or not,
		// so skipped patches are not re-fetched by the next pull.
		e.clock.Observe(patch.Timestamp)
		if patch.Timestamp > e.remoteCursor {
			e.remoteCursor = patch.Timestamp
		}

		if patch.ID == "" {
			e.log.Warn("rejecting remote patch without id",
				log.String("entity_type", patch.EntityType))
			continue
		}
		if patch.UserID == e.clock.NodeID() {
			// our own patch echoed back
			e.applied[patch.ID] = struct{}{}
			continue
		}
		if _, seen := e.applied[patch.ID]; seen {
			e.duplicateCount++
			continue
		}

		local := outbound[entityKey(patch.EntityType, patch.EntityID)]

		for _, op := range patch.Operations {
			if !op.Type.Valid() || op.Path == "" {
				e.log.Warn("skipping malformed remote operation",
					log.String("patch_id", patch.ID),
					log.String("path", op.Path))
				continue
			}

			if lop, collides := local[op.Path]; collides && !reflect.DeepEqual(lop.op.Data, op.Data) {
				if patch.Timestamp == lop.timestamp {
					// deterministic tie-break: local wins
					continue
				}
				c := sync.Conflict{
					EntityID:    patch.EntityID,
					EntityType:  patch.EntityType,
					Path:        op.Path,
					LocalValue:  lop.op.Data,
					RemoteValue: op.Data,
					DetectedAt:  time.Now(),
				}
				e.conflicts[conflictKey(c.EntityType, c.EntityID, c.Path)] = c
				newConflicts = append(newConflicts, c)
				continue
			}

			if err := e.tracker.Apply(patch.EntityID, op); err != nil {
				e.log.Warn("failed to apply remote operation",
					log.String("patch_id", patch.ID),
					log.String("path", op.Path),
					log.Err(err))
			}
		}

		e.applied[patch.ID] = struct{}{}
		e.appliedCount++
	}
	return newConflicts
}

// Resolve settles every open conflict on the given entity. Local resolution
// re-emits the local value as a fresh outbound patch; remote applies the
// remote value and clears any now-redundant pending operation on the path;
// merge calls the configured MergeFunc and both applies and emits the result.
func (e *Engine) Resolve(entityID, entityType string, resolution sync.Resolution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matched []sync.Conflict
	for _, c := range e.conflicts {
		if c.EntityID == entityID && c.EntityType == entityType {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("%w: %s/%s", sync.ErrConflictNotFound, entityType, entityID)
	}

	for _, c := range matched {
		var value any
		switch resolution {
		case sync.ResolveLocal:
			value = c.LocalValue
		case sync.ResolveRemote:
			value = c.RemoteValue
		case sync.ResolveMerge:
			if e.mergeFn == nil {
				return sync.ErrNoMergeFunc
			}
			merged, err := e.mergeFn(c)
			if err != nil {
				return fmt.Errorf("merge %s: %w", c.Path, err)
			}
			value = merged
		default:
			return fmt.Errorf("invalid resolution %d", resolution)
		}

		op := sync.Operation{Type: sync.OpUpdate, Path: c.Path, Data: value, OldData: c.LocalValue}

		if resolution == sync.ResolveRemote {
			e.dropPendingOp(entityID, c.Path)
		}

		if err := e.tracker.Apply(entityID, op); err != nil {
			return err
		}

		if resolution != sync.ResolveRemote {
			e.pending = append(e.pending, sync.Patch{
				ID:         uuid.NewString(),
				Timestamp:  e.clock.Tick(),
				UserID:     e.clock.NodeID(),
				EntityType: entityType,
				EntityID:   entityID,
				Operations: []sync.Operation{op},
			})
		}

		delete(e.conflicts, conflictKey(entityType, entityID, c.Path))
	}
	return nil
}

// Conflicts returns a copy of the open conflict set.
func (e *Engine) Conflicts() []sync.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]sync.Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	return out
}

// PendingPatches returns a copy of the not-yet-acknowledged patch list.
func (e *Engine) PendingPatches() []sync.Patch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePatches(e.pending)
}

// Metrics returns a read-only snapshot of engine progress.
func (e *Engine) Metrics() sync.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	var lastSync int64
	if !e.lastSyncAt.IsZero() {
		lastSync = e.lastSyncAt.UnixMilli()
	}

	return sync.Metrics{
		LastSyncTime:     lastSync,
		TrackedStates:    e.tracker.Len(),
		PendingPatches:   len(e.pending),
		AppliedPatches:   e.appliedCount,
		DuplicatePatches: e.duplicateCount,
		OpenConflicts:    len(e.conflicts),
	}
}

func (e *Engine) dropPendingFor(entityID string) {
	kept := e.pending[:0]
	for _, p := range e.pending {
		if p.EntityID != entityID {
			kept = append(kept, p)
		}
	}
	e.pending = kept
}

// dropPendingOp removes a single path from pending patches of an entity,
// dropping any patch left empty.
func (e *Engine) dropPendingOp(entityID, path string) {
	kept := e.pending[:0]
	for _, p := range e.pending {
		if p.EntityID == entityID {
			ops := make([]sync.Operation, 0, len(p.Operations))
			for _, op := range p.Operations {
				if op.Path != path {
					ops = append(ops, op)
				}
			}
			if len(ops) == 0 {
				continue
			}
			p.Operations = ops
		}
		kept = append(kept, p)
	}
	e.pending = kept
}

func clonePatches(patches []sync.Patch) []sync.Patch {
	out := make([]sync.Patch, len(patches))
	copy(out, patches)
	return out
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func conflictKey(entityType, entityID, path string) string {
	return entityType + "/" + entityID + "/" + path
}
