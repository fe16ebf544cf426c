// Package service implements the sync orchestrator: the schedule, transport
// framing, conflict-resolution policy and the event bus UI layers consume.
package service

import (
	"context"
	"fmt"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/driftline/driftline/internal/core/events/bus"
	"github.com/driftline/driftline/internal/core/observability/log"
	"github.com/driftline/driftline/internal/core/sync"
	"github.com/driftline/driftline/internal/core/sync/engine"
	"github.com/driftline/driftline/internal/core/sync/queue"
	"github.com/driftline/driftline/internal/core/transport"
)

// Event topics published on the service bus.
const (
	TopicSyncStarted   = "sync:started"
	TopicSyncCompleted = "sync:completed"
	TopicSyncFailed    = "sync:failed"
	// TopicConflictsPending carries []sync.Conflict under the manual policy.
	TopicConflictsPending = "conflicts:pending"
	// TopicQueueOperationFailed carries a queue.Operation that exhausted
	// its retries.
	TopicQueueOperationFailed = "queue:operation-failed"
	// TopicStatusDegraded fires after repeated sync failures.
	TopicStatusDegraded = "status:degraded"
)

const (
	// DefaultSyncInterval is the periodic sync cadence.
	DefaultSyncInterval = 30 * time.Second
	// DefaultDebounceDelay coalesces bursts of sync-needed signals.
	DefaultDebounceDelay = 500 * time.Millisecond

	// degradedThreshold is the consecutive-failure count after which the
	// service reports a degraded status.
	degradedThreshold = 3
)

// Policy selects how conflicts returned by a sync round are handled.
type Policy uint8

const (
	// PolicyManual accumulates conflicts and notifies an external resolver.
	PolicyManual Policy = iota
	// PolicyLocal auto-resolves every conflict in favor of the local value.
	PolicyLocal
	// PolicyRemote auto-resolves every conflict in favor of the remote value.
	PolicyRemote
)

func (p Policy) String() string {
	switch p {
	case PolicyManual:
		return "manual"
	case PolicyLocal:
		return "local"
	case PolicyRemote:
		return "remote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "manual":
		return PolicyManual, nil
	case "local":
		return PolicyLocal, nil
	case "remote":
		return PolicyRemote, nil
	default:
		return 0, fmt.Errorf("invalid conflict resolution policy %q", s)
	}
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the conflict-resolution policy. Default is manual.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithSyncInterval overrides the periodic sync cadence.
func WithSyncInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithAutoSync enables or disables the periodic timer. Default is enabled.
func WithAutoSync(enabled bool) Option {
	return func(s *Service) { s.autoSync = enabled }
}

// WithDebounceDelay overrides the coalescing delay for sync-needed signals.
func WithDebounceDelay(d time.Duration) Option {
	return func(s *Service) { s.debounceDelay = d }
}

// WithFramer overrides the default wire framing policy.
func WithFramer(f *transport.Framer) Option {
	return func(s *Service) { s.framer = f }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l log.Log) Option {
	return func(s *Service) { s.log = l }
}

// Service wires the engine, the queue and the transport port together. Only
// one sync round is ever in flight; triggers arriving during a round are
// coalesced into one follow-up round.
type Service struct {
	engine *engine.Engine
	queue  *queue.Manager
	port   transport.Port
	framer *transport.Framer
	bus    *bus.Bus
	log    log.Log

	policy        Policy
	autoSync      bool
	interval      time.Duration
	debounceDelay time.Duration

	syncing  atomic.Bool
	rerun    atomic.Bool
	disposed atomic.Bool

	mu               sc.Mutex
	pendingConflicts []sync.Conflict
	debounce         *time.Timer
	failStreak       int
	degraded         bool

	stopOnce sc.Once
	stop     chan struct{}
	wg       sc.WaitGroup
}

// New assembles a service. Call Start to begin scheduling.
func New(eng *engine.Engine, q *queue.Manager, port transport.Port, opts ...Option) *Service {
	s := &Service{
		engine:        eng,
		queue:         q,
		port:          port,
		framer:        transport.NewFramer(),
		bus:           bus.New(),
		log:           log.Nop(),
		autoSync:      true,
		interval:      DefaultSyncInterval,
		debounceDelay: DefaultDebounceDelay,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the service's event bus.
func (s *Service) Events() *bus.Bus {
	return s.bus
}

// Start hooks up connectivity and change triggers and, when autoSync is
// enabled, the periodic timer.
func (s *Service) Start() {
	if s.disposed.Load() {
		return
	}

	s.port.OnConnect(func() {
		s.queue.SetOnline(true)
		// catch up on everything missed while offline
		go s.backgroundSync("reconnect")
	})
	s.port.OnDisconnect(func() {
		s.queue.SetOnline(false)
	})

	s.engine.OnSyncNeeded(func(entityType string) {
		s.requestSync(entityType)
	})

	s.queue.OnOperationFailed(func(op queue.Operation) {
		s.bus.Publish(bus.NewEvent(TopicQueueOperationFailed, "queue", op))
	})

	if s.port.Connected() {
		s.queue.SetOnline(true)
	}

	if s.autoSync {
		s.wg.Add(1)
		go s.run()
	}
}

// Sync runs one reconciliation round. A round already in flight is not run
// concurrently; the trigger is coalesced into a follow-up round instead, and
// Sync returns nil.
func (s *Service) Sync(ctx context.Context) error {
	if s.disposed.Load() {
		return sync.ErrServiceDisposed
	}
	if !s.port.Connected() {
		return sync.ErrNotConnected
	}

	if !s.syncing.CompareAndSwap(false, true) {
		s.rerun.Store(true)
		return nil
	}
	defer func() {
		s.syncing.Store(false)
		if s.rerun.CompareAndSwap(true, false) && !s.disposed.Load() {
			go s.backgroundSync("coalesced")
		}
	}()

	s.bus.Publish(bus.NewEvent(TopicSyncStarted, "service", nil))

	conflicts, err := s.engine.PerformSync(ctx, s.sendPatches, s.receivePatches)
	if err != nil {
		s.noteFailure(err)
		return err
	}

	s.noteSuccess()
	s.handleConflicts(conflicts)
	s.bus.Publish(bus.NewEvent(TopicSyncCompleted, "service", s.engine.Metrics()))
	return nil
}

// ResolveConflict settles a pending conflict through the engine and, unless
// the remote value won, schedules a sync to deliver the outcome.
func (s *Service) ResolveConflict(entityID, entityType string, resolution sync.Resolution) error {
	if s.disposed.Load() {
		return sync.ErrServiceDisposed
	}

	if err := s.engine.Resolve(entityID, entityType, resolution); err != nil {
		return err
	}

	s.mu.Lock()
	kept := s.pendingConflicts[:0]
	for _, c := range s.pendingConflicts {
		if c.EntityID != entityID || c.EntityType != entityType {
			kept = append(kept, c)
		}
	}
	s.pendingConflicts = kept
	s.mu.Unlock()

	if resolution != sync.ResolveRemote {
		s.requestSync(entityType)
	}
	return nil
}

// PendingConflicts returns a copy of the conflicts awaiting manual
// resolution.
func (s *Service) PendingConflicts() []sync.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sync.Conflict, len(s.pendingConflicts))
	copy(out, s.pendingConflicts)
	return out
}

// Dispose stops the timer, cancels any pending debounce and clears all bus
// listeners. An in-flight round is left to finish on its own. Idempotent.
func (s *Service) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}

	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	s.bus.Close()
}

// run is the periodic schedule: sync on every tick while connected.
func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.port.Connected() {
				s.backgroundSync("interval")
			}
		case <-s.stop:
			return
		}
	}
}

// requestSync schedules a debounced sync so rapid bursts of edits collapse
// into one round trip.
func (s *Service) requestSync(entityType string) {
	if s.disposed.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounce != nil {
		s.debounce.Reset(s.debounceDelay)
		return
	}
	s.debounce = time.AfterFunc(s.debounceDelay, func() {
		s.mu.Lock()
		s.debounce = nil
		s.mu.Unlock()
		s.backgroundSync("change:" + entityType)
	})
}

func (s *Service) backgroundSync(reason string) {
	if err := s.Sync(context.Background()); err != nil {
		s.log.Warn("sync failed",
			log.String("trigger", reason),
			log.Err(err))
	}
}

// sendPatches frames pending patches and pushes each frame as one
// request/acknowledge exchange.
func (s *Service) sendPatches(ctx context.Context, patches []sync.Patch) error {
	frames, err := s.framer.EncodePush(patches)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		ack, err := s.port.Request(ctx, transport.ChannelPush, frame)
		if err != nil {
			return err
		}
		if !ack.Success {
			return transport.NewError(transport.ErrorCodeRejected, "push rejected", fmt.Errorf("%s", ack.Error))
		}
	}
	return nil
}

// receivePatches pulls remote patches newer than the engine's cursor.
func (s *Service) receivePatches(ctx context.Context, since int64) ([]sync.Patch, error) {
	frame, err := s.framer.EncodePull(since)
	if err != nil {
		return nil, err
	}
	ack, err := s.port.Request(ctx, transport.ChannelPull, frame)
	if err != nil {
		return nil, err
	}
	return s.framer.DecodePullAck(ack)
}

// handleConflicts applies the configured policy to a round's conflicts.
func (s *Service) handleConflicts(conflicts []sync.Conflict) {
	if len(conflicts) == 0 {
		return
	}

	switch s.policy {
	case PolicyLocal, PolicyRemote:
		resolution := sync.ResolveLocal
		if s.policy == PolicyRemote {
			resolution = sync.ResolveRemote
		}
		for _, key := range entityKeys(conflicts) {
			if err := s.engine.Resolve(key.id, key.typ, resolution); err != nil {
				s.log.Error("auto-resolution failed",
					log.String("entity_id", key.id),
					log.String("entity_type", key.typ),
					log.Err(err))
			}
		}
	case PolicyManual:
		s.mu.Lock()
		s.pendingConflicts = append(s.pendingConflicts, conflicts...)
		pending := make([]sync.Conflict, len(s.pendingConflicts))
		copy(pending, s.pendingConflicts)
		s.mu.Unlock()

		s.bus.Publish(bus.NewEvent(TopicConflictsPending, "service", pending))
	}
}

func (s *Service) noteFailure(err error) {
	s.mu.Lock()
	s.failStreak++
	degradedNow := s.failStreak >= degradedThreshold && !s.degraded
	if degradedNow {
		s.degraded = true
	}
	streak := s.failStreak
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(TopicSyncFailed, "service", err))
	if degradedNow {
		s.log.Warn("sync is degraded after repeated failures", log.Int("consecutive_failures", streak))
		s.bus.Publish(bus.NewEvent(TopicStatusDegraded, "service", streak))
	}
}

func (s *Service) noteSuccess() {
	s.mu.Lock()
	s.failStreak = 0
	s.degraded = false
	s.mu.Unlock()
}

type entityKey struct {
	id  string
	typ string
}

// entityKeys lists the distinct entities in a conflict batch, in first-seen
// order.
func entityKeys(conflicts []sync.Conflict) []entityKey {
	seen := make(map[entityKey]struct{}, len(conflicts))
	var keys []entityKey
	for _, c := range conflicts {
		k := entityKey{id: c.EntityID, typ: c.EntityType}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
