// Package daemon assembles the sync stack from configuration: logger, clock,
// engine, queue, websocket port and the orchestrating service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/core/observability/log"
	"github.com/driftline/driftline/internal/core/sync/clock"
	"github.com/driftline/driftline/internal/core/sync/engine"
	"github.com/driftline/driftline/internal/core/sync/queue"
	"github.com/driftline/driftline/internal/core/sync/service"
	"github.com/driftline/driftline/internal/core/sync/state"
	"github.com/driftline/driftline/internal/core/transport"
	"github.com/driftline/driftline/internal/core/transport/websocket"
)

const (
	// reconnectInterval paces dial attempts while the remote is unreachable.
	reconnectInterval = 5 * time.Second
	// drainInterval paces queue drain passes while connected and idle.
	drainInterval = 2 * time.Second
)

// Daemon owns the assembled sync stack and its lifecycle.
type Daemon struct {
	cfg *config.Config
	log log.Log

	engine  *engine.Engine
	queue   *queue.Manager
	port    *websocket.Port
	framer  *transport.Framer
	service *service.Service
}

// New assembles a daemon from a validated configuration.
func New(cfg *config.Config, lg log.Log) (*Daemon, error) {
	d := &Daemon{cfg: cfg, log: lg}

	lc := clock.New()
	if cfg.NodeID != "" {
		lc = clock.NewWithNodeID(cfg.NodeID)
	}
	d.engine = engine.New(state.NewTracker(), lc, engine.WithLogger(lg))

	queueOpts := []queue.Option{
		queue.WithLogger(lg),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithDeliverer(d.deliverQueued),
	}
	if cfg.Queue.Path != "" {
		store, err := queue.NewBoltStore(cfg.Queue.Path)
		if err != nil {
			return nil, fmt.Errorf("open queue store: %w", err)
		}
		queueOpts = append(queueOpts, queue.WithStore(store))
	}
	q, err := queue.NewManager(queueOpts...)
	if err != nil {
		return nil, err
	}
	d.queue = q

	d.port = websocket.NewPort(cfg.ServerURL,
		websocket.WithRequestTimeout(cfg.RequestTimeout.Std()),
		websocket.WithLogger(lg))

	policy, err := service.ParsePolicy(cfg.ConflictResolution)
	if err != nil {
		return nil, err
	}
	d.framer = &transport.Framer{
		CompressionEnabled:   cfg.CompressionEnabled,
		CompressionThreshold: cfg.CompressionThreshold,
		MaxPatchSize:         cfg.MaxPatchSize,
	}
	d.service = service.New(d.engine, d.queue, d.port,
		service.WithPolicy(policy),
		service.WithAutoSync(cfg.AutoSync),
		service.WithSyncInterval(cfg.SyncInterval.Std()),
		service.WithDebounceDelay(cfg.DebounceDelay.Std()),
		service.WithFramer(d.framer),
		service.WithLogger(lg))

	return d, nil
}

// Track registers a state slice with the engine. Meant to be called before
// Run by whatever embeds the daemon.
func (d *Daemon) Track(s state.Syncable) error {
	return d.engine.Track(s)
}

// Enqueue hands a side-effecting operation to the offline queue.
func (d *Daemon) Enqueue(op queue.Operation) (queue.Operation, error) {
	return d.queue.Enqueue(op)
}

// Service exposes the orchestrator, primarily for its event bus.
func (d *Daemon) Service() *service.Service {
	return d.service
}

// Run starts the service and blocks until ctx is cancelled, keeping the
// websocket connected and the queue draining in the background.
func (d *Daemon) Run(ctx context.Context) error {
	d.service.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.maintainConnection(ctx) })
	g.Go(func() error { return d.drainQueue(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears the stack down. Safe to call after Run returns.
func (d *Daemon) Close() error {
	d.service.Dispose()
	return multierr.Combine(
		d.port.Close(),
		d.queue.Close(),
	)
}

// maintainConnection dials the remote and re-dials whenever the connection
// drops, pausing between attempts.
func (d *Daemon) maintainConnection(ctx context.Context) error {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		if !d.port.Connected() {
			if err := d.port.Connect(ctx); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
				d.log.Warn("dial failed, will retry",
					log.String("url", d.cfg.ServerURL),
					log.Duration("retry_in", reconnectInterval),
					log.Err(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainQueue runs periodic drain passes, honoring the queue's backoff after
// passes that saw delivery failures.
func (d *Daemon) drainQueue(ctx context.Context) error {
	for {
		delay := d.queue.NextDelay()
		if delay < drainInterval {
			delay = drainInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if !d.queue.IsOnline() || d.queue.Size() == 0 {
			continue
		}
		if err := d.queue.Process(ctx, nil); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("queue drain aborted", log.Err(err))
		}
	}
}

// deliverQueued performs a queued operation as one request/acknowledge
// exchange on a channel derived from the operation type. The caller's opaque
// payload is wrapped in an operation frame so the port can correlate the ack.
func (d *Daemon) deliverQueued(ctx context.Context, op queue.Operation) error {
	frame, err := d.framer.EncodeOperation(op.ID, op.Payload)
	if err != nil {
		return err
	}

	channel := transport.Channel("queue:" + op.Type.String())
	ack, err := d.port.Request(ctx, channel, frame)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("operation rejected: %s", ack.Error)
	}
	return nil
}
