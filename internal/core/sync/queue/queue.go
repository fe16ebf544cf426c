// Package queue implements the offline operation queue: side-effecting work
// (uploads, outbound messages, sync requests) held in priority order while
// disconnected and drained with bounded retries once connectivity returns.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	sc "sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/core/observability/log"
	"github.com/driftline/driftline/internal/core/sync"
)

// Priority orders queued operations. Higher values drain first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// OperationType is the closed set of side-effecting work the queue carries.
type OperationType uint8

const (
	OpFileUpload OperationType = iota
	OpFileDelete
	OpMessage
	OpWorkspaceSync
	OpKnowledgeSync
	OpSettingsSync
)

var operationTypeNames = map[OperationType]string{
	OpFileUpload:    "file_upload",
	OpFileDelete:    "file_delete",
	OpMessage:       "message",
	OpWorkspaceSync: "workspace_sync",
	OpKnowledgeSync: "knowledge_sync",
	OpSettingsSync:  "settings_sync",
}

func (t OperationType) String() string {
	if name, ok := operationTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Operation is one queued unit of work. Seq is assigned on enqueue and fixes
// FIFO order within a priority band; it is persisted so ordering survives a
// restart.
type Operation struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastAttempt time.Time       `json:"lastAttempt,omitzero"`
	Error       string          `json:"error,omitempty"`
	Seq         uint64          `json:"seq"`
}

// DeliverFunc performs the side effect of one operation. A nil error clears
// the operation; any error re-queues it until MaxRetries is exhausted.
type DeliverFunc func(ctx context.Context, op Operation) error

// Store persists queue contents across restarts.
type Store interface {
	Put(op Operation) error
	Delete(id string) error
	PutFailed(op Operation) error
	DeleteFailed(id string) error
	Load() (active, failed []Operation, err error)
	Close() error
}

const (
	// DefaultMaxRetries bounds delivery attempts at DefaultMaxRetries+1.
	DefaultMaxRetries = 3

	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithStore attaches a persistence layer. Existing contents are loaded into
// the queue, preserving priority and submission order.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l log.Log) Option {
	return func(m *Manager) { m.log = l }
}

// WithMaxRetries sets the default retry bound for operations that do not
// carry their own.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithDeliverer installs the delivery side effect used by the automatic
// drain that runs when the queue transitions to online.
func WithDeliverer(fn DeliverFunc) Option {
	return func(m *Manager) { m.deliver = fn }
}


// Manager holds queued operations ordered by priority then FIFO, drains them
// while online, and keeps terminally failed operations enumerable until an
// operator retries or clears them.
type Manager struct {
	mu         sc.Mutex
	heap       opHeap
	failed     map[string]Operation
	nextSeq    uint64
	online     bool
	closed     bool
	failStreak int

	store      Store
	deliver    DeliverFunc
	onFailed   func(Operation)
	listeners  []func(bool)
	maxRetries int
	log        log.Log
}

// NewManager builds a queue manager, loading persisted contents if a store is
// attached. The manager starts offline.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		failed:     make(map[string]Operation),
		maxRetries: DefaultMaxRetries,
		log:        log.Nop(),
		nextSeq:    1,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.store != nil {
		active, failed, err := m.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load queue store: %w", err)
		}
		for _, op := range active {
			heap.Push(&m.heap, op)
			if op.Seq >= m.nextSeq {
				m.nextSeq = op.Seq + 1
			}
		}
		for _, op := range failed {
			m.failed[op.ID] = op
			if op.Seq >= m.nextSeq {
				m.nextSeq = op.Seq + 1
			}
		}
	}
	return m, nil
}

// Enqueue adds an operation in priority order. It assigns an id and creation
// time if absent and never blocks on delivery.
func (m *Manager) Enqueue(op Operation) (Operation, error) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return Operation{}, sync.ErrQueueClosed
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = m.maxRetries
	}
	op.Seq = m.nextSeq
	m.nextSeq++

	heap.Push(&m.heap, op)
	if err := m.persist(op); err != nil {
		m.log.Warn("failed to persist queued operation",
			log.String("operation_id", op.ID), log.Err(err))
	}
	m.mu.Unlock()

	return op, nil
}

// Process drains the queue in priority-then-FIFO order while online. Each
// operation currently in the queue is attempted at most once per pass; a
// failing operation is re-queued at the tail of its priority band so it never
// blocks the items behind it.
func (m *Manager) Process(ctx context.Context, deliver DeliverFunc) error {
	if deliver == nil {
		deliver = m.deliver
	}
	if deliver == nil {
		return fmt.Errorf("queue: no deliverer configured")
	}

	var requeue []Operation
	passFailed := false

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		m.mu.Lock()
		if m.closed || !m.online || m.heap.Len() == 0 {
			m.mu.Unlock()
			break
		}
		op := heap.Pop(&m.heap).(Operation)
		m.mu.Unlock()

		err := deliver(ctx, op)
		if err == nil {
			m.clearPersisted(op.ID)
			continue
		}

		passFailed = true
		op.RetryCount++
		op.LastAttempt = time.Now()
		op.Error = err.Error()

		if op.RetryCount > op.MaxRetries {
			m.moveToFailed(op)
			continue
		}

		m.log.Debug("operation delivery failed, re-queueing",
			log.String("operation_id", op.ID),
			log.String("type", op.Type.String()),
			log.Int("retry_count", op.RetryCount),
			log.Err(err))
		requeue = append(requeue, op)
	}

	m.mu.Lock()
	for _, op := range requeue {
		op.Seq = m.nextSeq
		m.nextSeq++
		heap.Push(&m.heap, op)
		if err := m.persist(op); err != nil {
			m.log.Warn("failed to persist re-queued operation",
				log.String("operation_id", op.ID), log.Err(err))
		}
	}
	if passFailed {
		m.failStreak++
	} else {
		m.failStreak = 0
	}
	m.mu.Unlock()

	return ctx.Err()
}

// NextDelay returns the capped exponential backoff to wait before the next
// automatic drain pass, based on how many consecutive passes saw failures.
func (m *Manager) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStreak == 0 {
		return 0
	}
	delay := backoffBase << (m.failStreak - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	return delay
}

// Retry moves a terminally failed operation back into the active queue with
// a fresh retry budget.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.failed[id]
	if !ok {
		return fmt.Errorf("%w: %s", sync.ErrOperationNotFound, id)
	}
	delete(m.failed, id)

	op.RetryCount = 0
	op.Error = ""
	op.Seq = m.nextSeq
	m.nextSeq++
	heap.Push(&m.heap, op)

	if m.store != nil {
		if err := m.store.DeleteFailed(id); err != nil {
			m.log.Warn("failed to clear failed record", log.String("operation_id", id), log.Err(err))
		}
	}
	if err := m.persist(op); err != nil {
		m.log.Warn("failed to persist retried operation", log.String("operation_id", id), log.Err(err))
	}
	return nil
}

// Clear permanently removes an operation from the failed set.
func (m *Manager) Clear(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.failed[id]; !ok {
		return fmt.Errorf("%w: %s", sync.ErrOperationNotFound, id)
	}
	delete(m.failed, id)
	if m.store != nil {
		if err := m.store.DeleteFailed(id); err != nil {
			return err
		}
	}
	return nil
}

// IsOnline reports the queue's connectivity flag.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline flips the connectivity flag and notifies listeners. Transitioning
// to online triggers an immediate drain pass so no operation waits for the
// next scheduled tick.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	deliver := m.deliver
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}

	if online && deliver != nil {
		go func() {
			if err := m.Process(context.Background(), deliver); err != nil {
				m.log.Warn("reconnect drain aborted", log.Err(err))
			}
		}()
	}
}

// OnStatusChange registers a listener for connectivity transitions.
func (m *Manager) OnStatusChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnOperationFailed installs the callback invoked when an operation exhausts
// its retries and moves to the failed set.
func (m *Manager) OnOperationFailed(fn func(Operation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = fn
}

// Size reports the number of operations waiting in the active queue.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len()
}

// Failed returns a copy of the terminally failed operations, oldest first.
func (m *Manager) Failed() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Operation, 0, len(m.failed))
	for _, op := range m.failed {
		out = append(out, op)
	}
	sortBySeq(out)
	return out
}

// Close marks the queue closed and releases the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.listeners = nil
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func (m *Manager) moveToFailed(op Operation) {
	m.log.Warn("operation exhausted retries",
		log.String("operation_id", op.ID),
		log.String("type", op.Type.String()),
		log.Int("attempts", op.RetryCount),
		log.String("last_error", op.Error))

	// The record keeps RetryCount within MaxRetries; the final failing
	// attempt is implied by the operation sitting in failed at all.
	if op.RetryCount > op.MaxRetries {
		op.RetryCount = op.MaxRetries
	}

	m.mu.Lock()
	m.failed[op.ID] = op
	onFailed := m.onFailed
	if m.store != nil {
		if err := m.store.Delete(op.ID); err != nil {
			m.log.Warn("failed to clear active record", log.String("operation_id", op.ID), log.Err(err))
		}
		if err := m.store.PutFailed(op); err != nil {
			m.log.Warn("failed to persist failed record", log.String("operation_id", op.ID), log.Err(err))
		}
	}
	m.mu.Unlock()

	if onFailed != nil {
		onFailed(op)
	}
}

func (m *Manager) persist(op Operation) error {
	if m.store == nil {
		return nil
	}
	return m.store.Put(op)
}

func (m *Manager) clearPersisted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return
	}
	if err := m.store.Delete(id); err != nil {
		m.log.Warn("failed to clear delivered operation", log.String("operation_id", id), log.Err(err))
	}
}

func sortBySeq(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
}

// opHeap orders operations by priority (descending) then Seq (ascending), so
// equal-priority operations drain in submission order.
type opHeap struct {
	items []Operation
}

func (h *opHeap) Len() int { return len(h.items) }

func (h *opHeap) Less(i, j int) bool {
	if h.items[i].Priority != h.items[j].Priority {
		return h.items[i].Priority > h.items[j].Priority
	}
	return h.items[i].Seq < h.items[j].Seq
}

func (h *opHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *opHeap) Push(x any) {
	h.items = append(h.items, x.(Operation))
}

func (h *opHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
