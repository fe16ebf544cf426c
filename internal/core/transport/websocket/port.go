// Package websocket adapts a gorilla/websocket connection to the transport
// Port contract: concurrent request/acknowledge exchanges multiplexed over a
// single socket, with connect/disconnect notifications.
package websocket

import (
	"context"
	"encoding/json"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/driftline/driftline/internal/core/observability/log"
	"github.com/driftline/driftline/internal/core/transport"
)

// DefaultRequestTimeout bounds a request/acknowledge round trip when the
// caller's context carries no deadline.
const DefaultRequestTimeout = 10 * time.Second

// request is the wire envelope for an outbound request. The request id lives
// inside the framed payload; the channel routes it on the remote.
type request struct {
	Channel transport.Channel `json:"channel"`
	Request json.RawMessage   `json:"request"`
}

// ack is the wire envelope for an inbound acknowledgment.
type ack struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var _ transport.Port = (*Port)(nil)

// Port is a websocket-backed transport port.
type Port struct {
	url            string
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	log            log.Log

	mu           sc.Mutex
	conn         *websocket.Conn
	pending      map[string]chan transport.Ack
	onConnect    []func()
	onDisconnect []func()

	writeMu   sc.Mutex
	connected atomic.Bool
	closed    atomic.Bool
}

// Option configures a Port.
type Option func(*Port)

// WithRequestTimeout overrides the default round-trip timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Port) { p.requestTimeout = d }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l log.Log) Option {
	return func(p *Port) { p.log = l }
}

// NewPort creates a disconnected port for the given websocket URL.
func NewPort(url string, opts ...Option) *Port {
	p := &Port{
		url:            url,
		dialer:         websocket.DefaultDialer,
		requestTimeout: DefaultRequestTimeout,
		log:            log.Nop(),
		pending:        make(map[string]chan transport.Ack),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials the remote and starts the read pump. Safe to call again
// after a disconnect.
func (p *Port) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return transport.ErrClosed
	}

	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial websocket")
	}

	p.mu.Lock()
	p.conn = conn
	callbacks := make([]func(), len(p.onConnect))
	copy(callbacks, p.onConnect)
	p.mu.Unlock()

	p.connected.Store(true)
	go p.readPump(conn)

	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Request sends a framed payload and blocks until the matching ack arrives.
// The payload must carry a top-level "id" used for correlation.
func (p *Port) Request(ctx context.Context, channel transport.Channel, payload []byte) (transport.Ack, error) {
	if p.closed.Load() {
		return transport.Ack{}, transport.ErrClosed
	}
	if !p.connected.Load() {
		return transport.Ack{}, transport.NewError(transport.ErrorCodeNotConnected, "request", transport.ErrNotConnected)
	}

	var frame struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil || frame.ID == "" {
		return transport.Ack{}, transport.NewError(transport.ErrorCodeInvalidFrame, "payload has no correlation id", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	ch := make(chan transport.Ack, 1)
	p.mu.Lock()
	p.pending[frame.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, frame.ID)
		p.mu.Unlock()
	}()

	raw, err := json.Marshal(request{Channel: channel, Request: payload})
	if err != nil {
		return transport.Ack{}, errors.Wrap(err, "marshal request")
	}
	if err := p.write(raw); err != nil {
		return transport.Ack{}, err
	}

	select {
	case a, ok := <-ch:
		if !ok {
			// connection dropped while we were waiting
			return transport.Ack{}, transport.NewError(transport.ErrorCodeNotConnected, "await ack", transport.ErrNotConnected)
		}
		return a, nil
	case <-ctx.Done():
		code := transport.ErrorCodeTimeout
		cause := transport.ErrRequestTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			cause = ctx.Err()
		}
		return transport.Ack{}, transport.NewError(code, "await ack", cause)
	}
}

// Connected reports whether the socket is up.
func (p *Port) Connected() bool {
	return p.connected.Load()
}

// OnConnect registers a callback fired after each successful Connect.
func (p *Port) OnConnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = append(p.onConnect, fn)
}

// OnDisconnect registers a callback fired when the socket drops.
func (p *Port) OnDisconnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnect = append(p.onDisconnect, fn)
}

// Close tears the connection down and rejects outstanding requests.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	p.markDisconnected()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (p *Port) write(raw []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return transport.NewError(transport.ErrorCodeNotConnected, "write", transport.ErrNotConnected)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return transport.NewError(transport.ErrorCodeNotConnected, "write request", err)
	}
	return nil
}

// readPump dispatches incoming acks to their pending request. It exits, and
// reports a disconnect, when the socket errors out.
func (p *Port) readPump(conn *websocket.Conn) {
	defer p.disconnectFrom(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !p.closed.Load() {
				p.log.Warn("websocket read failed", log.Err(err))
			}
			return
		}

		var a ack
		if err := json.Unmarshal(raw, &a); err != nil || a.ID == "" {
			p.log.Warn("dropping unparseable ack", log.Err(err))
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[a.ID]
		if ok {
			delete(p.pending, a.ID)
		}
		p.mu.Unlock()

		if !ok {
			// late or duplicate ack
			p.log.Debug("dropping unmatched ack", log.String("request_id", a.ID))
			continue
		}
		ch <- transport.Ack{Success: a.Success, Data: a.Data, Error: a.Error}
	}
}

// disconnectFrom reports a disconnect only if conn is still the active
// connection, so a stale read pump cannot tear down a fresh reconnect.
func (p *Port) disconnectFrom(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.mu.Unlock()
	p.markDisconnected()
}

// markDisconnected flips the connected flag once and fails everything that
// was still waiting for an ack.
func (p *Port) markDisconnected() {
	if !p.connected.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan transport.Ack)
	callbacks := make([]func(), len(p.onDisconnect))
	copy(callbacks, p.onDisconnect)
	p.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, fn := range callbacks {
		fn()
	}
}
