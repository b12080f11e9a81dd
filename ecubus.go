package ecubus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/garagemate/ecubus/pkg/log"
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Connection owns the link to one vehicle interface: the adapter, the
// handshake, request/response correlation and the heartbeat. All frame
// traffic to the ECU goes through it.
type Connection struct {
	adapter Adapter
	h       *handler
	opts    connOpts

	state      atomic.Int32
	seq        atomic.Uint32
	hbFails    atomic.Int32
	lastHB     atomic.Int64
	reconnects atomic.Uint32

	idMu     sync.RWMutex
	identity Identity

	errOnce sync.Once
	errChan chan error
	evtChan chan Event

	closeOnce sync.Once
	closeChan chan struct{}
}

type connOpts struct {
	protocolVersion    uint8
	handshakeTimeout   time.Duration
	requestTimeout     time.Duration
	connectAttempts    uint
	backoffBase        time.Duration
	backoffMax         time.Duration
	backoffJitter      time.Duration
	heartbeatThreshold int32
}

type Option func(*connOpts)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *connOpts) { o.handshakeTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *connOpts) { o.requestTimeout = d }
}

// WithConnectAttempts bounds handshake and reconnect retries.
func WithConnectAttempts(n uint) Option {
	return func(o *connOpts) { o.connectAttempts = n }
}

// WithBackoff sets the retry backoff: base delay, cap and jitter.
func WithBackoff(base, max, jitter time.Duration) Option {
	return func(o *connOpts) {
		o.backoffBase = base
		o.backoffMax = max
		o.backoffJitter = jitter
	}
}

func WithHeartbeatThreshold(n int32) Option {
	return func(o *connOpts) { o.heartbeatThreshold = n }
}

func defaultConnOpts() connOpts {
	return connOpts{
		protocolVersion:    1,
		handshakeTimeout:   2 * time.Second,
		requestTimeout:     time.Second,
		connectAttempts:    3,
		backoffBase:        200 * time.Millisecond,
		backoffMax:         5 * time.Second,
		backoffJitter:      100 * time.Millisecond,
		heartbeatThreshold: 3,
	}
}

// New wires a Connection around an adapter. The context governs the
// lifetime of the dispatch loop; cancel it or call Close to tear the
// connection down.
func New(ctx context.Context, adapter Adapter, opts ...Option) (*Connection, error) {
	if adapter == nil {
		return nil, ErrNilAdapter
	}
	o := defaultConnOpts()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Connection{
		adapter:   adapter,
		h:         newHandler(adapter),
		opts:      o,
		errChan:   make(chan error, 1),
		evtChan:   make(chan Event, 100),
		closeChan: make(chan struct{}),
	}
	c.h.onOrphan = func(f *Frame) {
		c.sendEvent(EventTypeWarning, protoErr(SequenceMismatch, "no waiter for %s seq 0x%02X", f.Type, f.Seq).Error())
	}
	go c.h.run(ctx)
	go c.pump(ctx)
	return c, nil
}

// pump forwards adapter events and escalates adapter errors.
func (c *Connection) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case evt := <-c.adapter.Event():
			select {
			case c.evtChan <- evt:
			default:
			}
		case err := <-c.adapter.Err():
			if err == nil {
				continue
			}
			c.setState(StateError)
			c.fatal(err)
		}
	}
}

// Open walks Disconnected -> Connecting -> Handshaking -> Connected.
// The handshake is retried with capped, jittered exponential backoff;
// when the attempt budget runs out the last error surfaces as a
// terminal ConnectError.
func (c *Connection) Open(ctx context.Context) error {
	if !c.transition(StateDisconnected, StateConnecting) && !c.transition(StateError, StateConnecting) {
		return fmt.Errorf("open: connection is %s", c.State())
	}
	if err := c.adapter.Open(ctx); err != nil {
		c.setState(StateError)
		return &ConnectError{Kind: DeviceNotFound, Port: c.adapter.Name(), Err: err}
	}
	c.setState(StateHandshaking)
	if err := c.handshakeWithRetry(ctx); err != nil {
		c.setState(StateError)
		c.adapter.Close()
		return err
	}
	c.hbFails.Store(0)
	c.touchHeartbeat()
	c.setState(StateConnected)
	log.Info("connected", "adapter", c.adapter.Name(), "identity", c.Identity().String())
	return nil
}

func (c *Connection) handshakeWithRetry(ctx context.Context) error {
	return retry.Do(
		func() error {
			return c.handshake(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.connectAttempts),
		retry.Delay(c.opts.backoffBase),
		retry.MaxDelay(c.opts.backoffMax),
		retry.MaxJitter(c.opts.backoffJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(IsRecoverable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("handshake retry", "attempt", n+1, "err", err)
			c.sendEvent(EventTypeWarning, fmt.Sprintf("handshake attempt %d failed: %v", n+1, err))
		}),
	)
}

func (c *Connection) handshake(ctx context.Context) error {
	resp, err := c.SendAndWait(ctx, NewFrame(TypeHandshake, EncodeHandshake(c.opts.protocolVersion)), c.opts.handshakeTimeout)
	if err != nil {
		var neg *NegativeResponseError
		if errors.As(err, &neg) {
			return Unrecoverable(&ConnectError{Kind: HandshakeRejected, Port: c.adapter.Name(), Err: err})
		}
		return &ConnectError{Kind: HandshakeTimeout, Port: c.adapter.Name(), Err: err}
	}
	id, err := DecodeIdentity(resp.Data)
	if err != nil {
		return &ConnectError{Kind: HandshakeRejected, Port: c.adapter.Name(), Err: err}
	}
	c.idMu.Lock()
	c.identity = id
	c.idMu.Unlock()
	return nil
}

// Heartbeat sends one ping and reports link health. After the
// configured number of consecutive failures the connection drops to
// Error and reconnects with backoff; an exhausted retry budget surfaces
// a fatal heartbeat-lost error on Err.
func (c *Connection) Heartbeat(ctx context.Context) bool {
	if c.State() != StateConnected {
		return false
	}
	_, err := c.SendAndWait(ctx, NewFrame(TypePing, nil), c.opts.requestTimeout)
	if err == nil {
		c.hbFails.Store(0)
		c.touchHeartbeat()
		return true
	}
	fails := c.hbFails.Add(1)
	log.Warn("heartbeat failed", "fails", fails, "err", err)
	c.sendEvent(EventTypeWarning, fmt.Sprintf("heartbeat failed (%d consecutive): %v", fails, err))
	if fails >= c.opts.heartbeatThreshold {
		c.setState(StateError)
		if rerr := c.reconnect(ctx); rerr != nil {
			c.fatal(&ConnectError{Kind: HeartbeatLost, Port: c.adapter.Name(), Err: rerr})
		}
	}
	return false
}

func (c *Connection) reconnect(ctx context.Context) error {
	c.sendEvent(EventTypeWarning, "link lost, reconnecting")
	err := retry.Do(
		func() error {
			c.adapter.Close()
			c.setState(StateConnecting)
			if err := c.adapter.Open(ctx); err != nil {
				return err
			}
			c.setState(StateHandshaking)
			return c.handshake(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.connectAttempts),
		retry.Delay(c.opts.backoffBase),
		retry.MaxDelay(c.opts.backoffMax),
		retry.MaxJitter(c.opts.backoffJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(IsRecoverable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("reconnect retry", "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		c.setState(StateError)
		return err
	}
	c.hbFails.Store(0)
	c.touchHeartbeat()
	c.reconnects.Add(1)
	c.setState(StateConnected)
	c.sendEvent(EventTypeInfo, "link restored")
	log.Info("reconnected", "adapter", c.adapter.Name())
	return nil
}

// Reconnects reports how many times the link was reestablished after a
// heartbeat loss.
func (c *Connection) Reconnects() uint32 {
	return c.reconnects.Load()
}

// SendAndWait transmits one request and blocks for its response,
// correlated by sequence id. A negative response from the ECU comes
// back as a NegativeResponseError, an expired timeout as TimeoutError.
func (c *Connection) SendAndWait(ctx context.Context, frame *Frame, timeout time.Duration) (*Frame, error) {
	switch c.State() {
	case StateDisconnected, StateError:
		return nil, ErrNotConnected
	}
	seq := uint8(c.seq.Add(1))
	out := &Frame{Type: frame.Type, Seq: seq, Data: frame.Data}
	waiter := c.h.registerWaiter(seq)
	defer c.h.unregisterWaiter(seq)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.adapter.Send() <- out:
	case <-timer.C:
		return nil, ErrSendTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, ErrClosed
	}

	select {
	case resp := <-waiter:
		if resp.Type == TypeNegative {
			neg, err := DecodeNegative(resp.Data)
			if err != nil {
				return nil, err
			}
			return nil, neg
		}
		if resp.Type != out.Type.Response() {
			return nil, protoErr(UnexpectedResponse, "%s in reply to %s", resp.Type, out.Type)
		}
		return resp, nil
	case <-timer.C:
		return nil, &TimeoutError{Type: out.Type, Seq: seq, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, ErrClosed
	}
}

// Subscribe taps the frame stream, optionally filtered by type. Close
// the subscriber when done.
func (c *Connection) Subscribe(types ...FrameType) *Subscriber {
	sub := &Subscriber{
		h:            c.h,
		types:        make(map[FrameType]struct{}, len(types)),
		filterCount:  len(types),
		responseChan: make(chan *Frame, 100),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	c.h.registerSub(sub)
	return sub
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *Connection) transition(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Identity returns what the ECU reported during the last handshake.
func (c *Connection) Identity() Identity {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.identity
}

// LastHeartbeat returns the time of the last successful ping.
func (c *Connection) LastHeartbeat() time.Time {
	ns := c.lastHB.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Connection) touchHeartbeat() {
	c.lastHB.Store(time.Now().UnixNano())
}

// Err delivers the single fatal error that ends this connection.
func (c *Connection) Err() <-chan error {
	return c.errChan
}

// Event delivers adapter and connection events, best effort.
func (c *Connection) Event() <-chan Event {
	return c.evtChan
}

func (c *Connection) RequestTimeout() time.Duration {
	return c.opts.requestTimeout
}

func (c *Connection) fatal(err error) {
	c.errOnce.Do(func() {
		log.Error(err, "connection failed", "adapter", c.adapter.Name())
		select {
		case c.errChan <- err:
		default:
		}
	})
	c.sendEvent(EventTypeError, err.Error())
}

func (c *Connection) sendEvent(t EventType, details string) {
	select {
	case c.evtChan <- Event{Type: t, Details: details}:
	default:
	}
}

// Close tears the connection down. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.h.Close()
		err = c.adapter.Close()
		c.setState(StateDisconnected)
		close(c.closeChan)
	})
	return err
}
