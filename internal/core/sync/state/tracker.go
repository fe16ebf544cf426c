// Package state implements the tracker that holds references to syncable
// state slices and produces their snapshots on demand. The tracker caches a
// "last-synced" snapshot per slice; the registering subsystem always owns the
// authoritative copy.
package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	sc "sync"

	"github.com/cespare/xxhash/v2"

	"github.com/driftline/driftline/internal/core/sync"
)

// Syncable describes one named slice of application state. Snapshot returns
// the current field values keyed by path; Apply mutates the underlying state
// with a single remote operation.
type Syncable struct {
	ID         string
	EntityType string
	Snapshot   func() map[string]any
	Apply      func(op sync.Operation) error
}

type tracked struct {
	syncable   Syncable
	lastSynced map[string]any
	lastDigest uint64
}

// Tracker registers syncable states and diffs them against their last-synced
// snapshots. Safe for concurrent use.
type Tracker struct {
	mu     sc.RWMutex
	states map[string]*tracked
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]*tracked)}
}

// Register starts tracking a state slice, capturing its current snapshot as
// the baseline. Registering the same id twice is a programmer error and
// returns ErrStateAlreadyTracked.
func (t *Tracker) Register(s Syncable) error {
	if s.ID == "" || s.Snapshot == nil {
		return fmt.Errorf("%w: syncable needs an id and a snapshot accessor", sync.ErrMalformedOperation)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.states[s.ID]; exists {
		return fmt.Errorf("%w: %s", sync.ErrStateAlreadyTracked, s.ID)
	}

	snap, digest, err := normalize(s.Snapshot())
	if err != nil {
		return err
	}

	t.states[s.ID] = &tracked{syncable: s, lastSynced: snap, lastDigest: digest}
	return nil
}

// IDs returns the ids of all tracked states in stable order.
func (t *Tracker) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EntityType returns the entity-type tag of a tracked state.
func (t *Tracker) EntityType(id string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", sync.ErrStateNotTracked, id)
	}
	return st.syncable.EntityType, nil
}

// Len reports the number of tracked states.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// Diff compares the current snapshot of a state against its last-synced
// baseline. It returns the field-level operations, the normalized snapshot
// they were computed from (to be handed back to Commit once acknowledged),
// and whether anything changed at all. An unchanged state is detected by
// digest and short-circuits without field comparison.
func (t *Tracker) Diff(id string) ([]sync.Operation, map[string]any, bool, error) {
	t.mu.RLock()
	st, ok := t.states[id]
	t.mu.RUnlock()
	if !ok {
		return nil, nil, false, fmt.Errorf("%w: %s", sync.ErrStateNotTracked, id)
	}

	current, digest, err := normalize(st.syncable.Snapshot())
	if err != nil {
		return nil, nil, false, err
	}

	t.mu.RLock()
	baseline := st.lastSynced
	baselineDigest := st.lastDigest
	t.mu.RUnlock()

	if digest == baselineDigest {
		return nil, current, false, nil
	}

	ops := diffSnapshots(baseline, current)
	if len(ops) == 0 {
		return nil, current, false, nil
	}
	return ops, current, true, nil
}

// Commit advances the last-synced baseline of a state to a snapshot
// previously returned by Diff. Called only after the remote acknowledged the
// patch produced from that snapshot.
func (t *Tracker) Commit(id string, snapshot map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", sync.ErrStateNotTracked, id)
	}

	digest, err := digestOf(snapshot)
	if err != nil {
		return err
	}
	st.lastSynced = snapshot
	st.lastDigest = digest
	return nil
}

// Apply applies a remote operation to the underlying state and folds it into
// the last-synced baseline, so the change is not re-diffed as a local edit on
// the next pass.
func (t *Tracker) Apply(id string, op sync.Operation) error {
	t.mu.Lock()
	st, ok := t.states[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", sync.ErrStateNotTracked, id)
	}

	if st.syncable.Apply != nil {
		if err := st.syncable.Apply(op); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch op.Type {
	case sync.OpDelete:
		delete(st.lastSynced, op.Path)
	default:
		st.lastSynced[op.Path] = normalizeValue(op.Data)
	}
	digest, err := digestOf(st.lastSynced)
	if err != nil {
		return err
	}
	st.lastDigest = digest
	return nil
}

// Baseline returns the last-synced value at a path, if any.
func (t *Tracker) Baseline(id, path string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[id]
	if !ok {
		return nil, false
	}
	v, ok := st.lastSynced[path]
	return v, ok
}

// diffSnapshots produces one operation per changed path, in sorted path order
// so patch contents are deterministic.
func diffSnapshots(baseline, current map[string]any) []sync.Operation {
	paths := make(map[string]struct{}, len(baseline)+len(current))
	for p := range baseline {
		paths[p] = struct{}{}
	}
	for p := range current {
		paths[p] = struct{}{}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var ops []sync.Operation
	for _, p := range sorted {
		oldV, hadOld := baseline[p]
		newV, hasNew := current[p]

		switch {
		case !hadOld && hasNew:
			ops = append(ops, sync.Operation{Type: sync.OpCreate, Path: p, Data: newV})
		case hadOld && !hasNew:
			ops = append(ops, sync.Operation{Type: sync.OpDelete, Path: p, OldData: oldV})
		case !reflect.DeepEqual(oldV, newV):
			ops = append(ops, sync.Operation{Type: sync.OpUpdate, Path: p, Data: newV, OldData: oldV})
		}
	}
	return ops
}

// normalize deep-copies a snapshot through JSON so cached baselines share no
// memory with the caller and value comparisons match wire-delivered data.
func normalize(snapshot map[string]any) (map[string]any, uint64, error) {
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot not serializable: %w", err)
	}
	copied := make(map[string]any, len(snapshot))
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, 0, fmt.Errorf("snapshot copy failed: %w", err)
	}
	return copied, xxhash.Sum64(raw), nil
}

func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func digestOf(snapshot map[string]any) (uint64, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("snapshot not serializable: %w", err)
	}
	return xxhash.Sum64(raw), nil
}
