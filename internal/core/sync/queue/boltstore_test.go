package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)
	return store, path
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()

	ops := []Operation{
		{ID: "low", Priority: PriorityLow, Type: OpMessage, Seq: 1},
		{ID: "crit", Priority: PriorityCritical, Type: OpFileUpload, Seq: 2},
		{ID: "norm-a", Priority: PriorityNormal, Type: OpMessage, Seq: 3},
		{ID: "norm-b", Priority: PriorityNormal, Type: OpMessage, Seq: 4},
	}
	for _, op := range ops {
		require.NoError(t, store.Put(op))
	}
	require.NoError(t, store.PutFailed(Operation{ID: "dead", Priority: PriorityHigh, Seq: 5}))

	active, failed, err := store.Load()
	require.NoError(t, err)

	// priority order, FIFO within a band
	ids := make([]string, 0, len(active))
	for _, op := range active {
		ids = append(ids, op.ID)
	}
	require.Equal(t, []string{"crit", "norm-a", "norm-b", "low"}, ids)

	require.Len(t, failed, 1)
	require.Equal(t, "dead", failed[0].ID)
}

func TestBoltStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()

	require.NoError(t, store.Put(Operation{ID: "x", Seq: 1}))
	require.NoError(t, store.Delete("x"))
	require.NoError(t, store.Delete("x")) // deleting absent keys is a no-op

	active, _, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestQueueOrderingSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)

	m, err := NewManager(WithStore(store))
	require.NoError(t, err)
	m.SetOnline(true)

	_, err = m.Enqueue(Operation{ID: "first-normal", Priority: PriorityNormal, Type: OpMessage})
	require.NoError(t, err)
	_, err = m.Enqueue(Operation{ID: "second-normal", Priority: PriorityNormal, Type: OpMessage})
	require.NoError(t, err)
	_, err = m.Enqueue(Operation{ID: "urgent", Priority: PriorityCritical, Type: OpFileUpload})
	require.NoError(t, err)

	require.NoError(t, m.Close()) // closes the store too

	// restart: a fresh manager over the same file
	store, err = NewBoltStore(path)
	require.NoError(t, err)
	m, err = NewManager(WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	m.SetOnline(true)

	require.Equal(t, 3, m.Size())

	r := &recorder{}
	require.NoError(t, m.Process(context.Background(), r.deliver))
	require.Equal(t, []string{"urgent", "first-normal", "second-normal"}, r.delivered)
}

func TestFailedSetSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	m, err := NewManager(WithStore(store), WithMaxRetries(0))
	require.NoError(t, err)
	m.SetOnline(true)

	op, err := m.Enqueue(Operation{Type: OpSettingsSync, Priority: PriorityNormal})
	require.NoError(t, err)
	require.NoError(t, m.Process(context.Background(), func(context.Context, Operation) error {
		return errors.New("boom")
	}))
	require.NoError(t, m.Close())

	store, err = NewBoltStore(path)
	require.NoError(t, err)
	m, err = NewManager(WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	failed := m.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, op.ID, failed[0].ID)
	require.Equal(t, "boom", failed[0].Error)
	require.Zero(t, m.Size())
}
