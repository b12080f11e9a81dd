// Package session coordinates everything that wants the vehicle link:
// background heartbeat and diagnostic polling, exclusive flash
// sessions, and the query operations the CLI and gateway call. The
// link carries one conversation at a time; the coordinator's lock is
// what enforces it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garagemate/ecubus"
	"github.com/garagemate/ecubus/pkg/diag"
	"github.com/garagemate/ecubus/pkg/flash"
	"github.com/garagemate/ecubus/pkg/log"
	"github.com/garagemate/ecubus/pkg/metrics"
	"github.com/garagemate/ecubus/pkg/profile"
)

var (
	// ErrFlashBusy is returned when a flash session already holds the
	// link. Requests are rejected, not queued.
	ErrFlashBusy = errors.New("flash session in progress")
	// ErrNoActiveFlash is returned by CancelFlash when nothing is
	// running.
	ErrNoActiveFlash = errors.New("no active flash session")
)

const defaultArchiveSize = 16

// Coordinator owns one connection and serializes its users. Profiles
// come from the registry; the active profile drives diagnostic polling
// and is the default target for flash and read operations.
type Coordinator struct {
	conn   *ecubus.Connection
	reg    *profile.Registry
	active *profile.Profile
	reader *diag.Reader

	pollEvery   time.Duration
	hbEvery     time.Duration
	archiveSize int

	flashMu sync.Mutex
	current atomic.Pointer[flash.Session]

	mu           sync.Mutex
	archive      []*flash.Result
	watchers     map[chan flash.Status]struct{}
	snapWatchers map[chan diag.Snapshot]struct{}
}

type Option func(*Coordinator)

// WithPollInterval sets the diagnostic polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollEvery = d
		}
	}
}

// WithHeartbeatInterval sets how often the link liveness is probed.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.hbEvery = d
		}
	}
}

// WithArchiveSize bounds how many finished session records are kept.
func WithArchiveSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.archiveSize = n
		}
	}
}

func New(conn *ecubus.Connection, reg *profile.Registry, active *profile.Profile, opts ...Option) *Coordinator {
	c := &Coordinator{
		conn:         conn,
		reg:          reg,
		active:       active,
		reader:       diag.NewReader(conn, active),
		pollEvery:    time.Second,
		hbEvery:      2 * time.Second,
		archiveSize:  defaultArchiveSize,
		watchers:     make(map[chan flash.Status]struct{}),
		snapWatchers: make(map[chan diag.Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the link and returns the identity the ECU reported
// during the handshake.
func (c *Coordinator) Connect(ctx context.Context) (ecubus.Identity, error) {
	if err := c.conn.Open(ctx); err != nil {
		return ecubus.Identity{}, err
	}
	return c.conn.Identity(), nil
}

// Run drives heartbeat and diagnostic polling until the context ends
// or the connection dies. Both tickers skip while a flash session holds
// the link; polling resumes on its own once the session terminates.
func (c *Coordinator) Run(ctx context.Context) error {
	hbTick := time.NewTicker(c.hbEvery)
	defer hbTick.Stop()
	pollTick := time.NewTicker(c.pollEvery)
	defer pollTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.conn.Err():
			if err != nil {
				log.Error(err, "connection lost")
				return err
			}
			return nil
		case evt := <-c.conn.Event():
			c.logEvent(evt)
		case <-hbTick.C:
			if c.flashActive() {
				continue
			}
			if c.conn.State() == ecubus.StateConnected {
				if ok := c.conn.Heartbeat(ctx); !ok {
					metrics.HeartbeatFailures.Inc()
				}
			}
			metrics.ConnectionState.Set(float64(c.conn.State()))
			metrics.Reconnects.Set(float64(c.conn.Reconnects()))
		case <-pollTick.C:
			if c.flashActive() {
				continue
			}
			if c.conn.State() != ecubus.StateConnected {
				continue
			}
			snap, err := c.reader.Poll(ctx)
			if err != nil {
				log.Warn("diagnostic poll failed", "err", err)
				continue
			}
			c.broadcastSnapshot(*snap)
		}
	}
}

func (c *Coordinator) logEvent(evt ecubus.Event) {
	switch evt.Type {
	case ecubus.EventTypeError:
		log.Error(nil, "link event", "details", evt.Details)
	case ecubus.EventTypeWarning:
		log.Warn("link event", "details", evt.Details)
	case ecubus.EventTypeInfo:
		log.Info("link event", "details", evt.Details)
	default:
		log.Debug("link event", "details", evt.Details)
	}
}

// resolve maps a profile id onto a loaded profile. The empty id means
// the active profile.
func (c *Coordinator) resolve(profileID string) (*profile.Profile, error) {
	if profileID == "" || profileID == c.active.Name {
		return c.active, nil
	}
	return c.reg.Get(profileID)
}

// Flash runs one exclusive flash session against the named profile to
// its terminal state. A second caller while one is active gets
// ErrFlashBusy immediately.
func (c *Coordinator) Flash(ctx context.Context, profileID string, requested map[string]float64, opts ...flash.Option) (*flash.Result, error) {
	prof, err := c.resolve(profileID)
	if err != nil {
		return nil, err
	}
	if !c.flashMu.TryLock() {
		return nil, ErrFlashBusy
	}
	defer c.flashMu.Unlock()

	if c.conn.State() != ecubus.StateConnected {
		return nil, ecubus.ErrNotConnected
	}
	if err := prof.MatchFirmware(c.conn.Identity().Firmware); err != nil {
		return nil, err
	}

	sess := flash.NewSession(c.conn, prof, requested, opts...)
	c.current.Store(sess)
	defer c.current.Store(nil)

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for st := range sess.Status() {
			c.broadcast(st)
		}
	}()

	res, err := sess.Run(ctx)
	<-pumped
	c.remember(res)
	return res, err
}

// CancelFlash cancels the named session and reports its state at the
// time the cancellation was accepted. The empty id cancels whichever
// session is active. Cancelling a session that already reached a
// terminal state returns that state and an error.
func (c *Coordinator) CancelFlash(sessionID string) (flash.State, error) {
	if sess := c.current.Load(); sess != nil {
		if sessionID == "" || sessionID == sess.ID() {
			if err := sess.Cancel(); err != nil {
				return sess.State(), err
			}
			return sess.State(), nil
		}
	}
	if sessionID != "" {
		if res, ok := c.Session(sessionID); ok {
			return res.State, fmt.Errorf("session %s already %s", sessionID, res.State)
		}
	}
	return "", ErrNoActiveFlash
}

// ActiveFlash reports the running session's id.
func (c *Coordinator) ActiveFlash() (string, bool) {
	sess := c.current.Load()
	if sess == nil {
		return "", false
	}
	return sess.ID(), true
}

func (c *Coordinator) flashActive() bool {
	return c.current.Load() != nil
}

// Snapshot returns the cached diagnostic snapshot. The second return
// is false until the first successful poll.
func (c *Coordinator) Snapshot() (diag.Snapshot, bool) {
	return c.reader.Latest()
}

// ReadNow forces one diagnostic poll outside the background schedule.
func (c *Coordinator) ReadNow(ctx context.Context) (*diag.Snapshot, error) {
	if c.flashActive() {
		return nil, ErrFlashBusy
	}
	snap, err := c.reader.Poll(ctx)
	if err != nil {
		return nil, err
	}
	c.broadcastSnapshot(*snap)
	return snap, nil
}

// Limits returns the parameter specs of the named profile in profile
// order.
func (c *Coordinator) Limits(profileID string) ([]profile.ParameterSpec, error) {
	prof, err := c.resolve(profileID)
	if err != nil {
		return nil, err
	}
	out := make([]profile.ParameterSpec, len(prof.Parameters))
	copy(out, prof.Parameters)
	return out, nil
}

// ReadConfig reads the current value of every parameter the named
// profile knows from the ECU, decoded to engineering units.
func (c *Coordinator) ReadConfig(ctx context.Context, profileID string) (map[string]float64, error) {
	prof, err := c.resolve(profileID)
	if err != nil {
		return nil, err
	}
	if c.flashActive() {
		return nil, ErrFlashBusy
	}
	req := ecubus.NewFrame(ecubus.TypeReadParam, ecubus.EncodeReadParam(prof.ParameterIDs()))
	resp, err := c.conn.SendAndWait(ctx, req, c.conn.RequestTimeout())
	if err != nil {
		return nil, err
	}
	vals, err := ecubus.DecodeParamValues(resp.Data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(vals))
	for _, v := range vals {
		if spec, ok := prof.ParameterByID(v.ID); ok {
			out[spec.Name] = spec.Decode(v.Raw)
		}
	}
	return out, nil
}

// Profile returns the active tune profile.
func (c *Coordinator) Profile() *profile.Profile {
	return c.active
}

// Profiles lists the loaded profile ids.
func (c *Coordinator) Profiles() []string {
	return c.reg.List()
}

// Identity returns the handshake identity of the connected ECU.
func (c *Coordinator) Identity() ecubus.Identity {
	return c.conn.Identity()
}

// Conn exposes the underlying connection for frame-level tooling.
func (c *Coordinator) Conn() *ecubus.Connection {
	return c.conn
}

// State returns the connection state.
func (c *Coordinator) State() ecubus.ConnState {
	return c.conn.State()
}

// Watch subscribes to flash status updates. The returned cancel func
// must be called to release the subscription; slow watchers miss
// updates rather than stall a session.
func (c *Coordinator) Watch() (<-chan flash.Status, func()) {
	ch := make(chan flash.Status, 32)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// WatchSnapshots subscribes to new diagnostic snapshots as polling
// publishes them. Same contract as Watch.
func (c *Coordinator) WatchSnapshots() (<-chan diag.Snapshot, func()) {
	ch := make(chan diag.Snapshot, 8)
	c.mu.Lock()
	c.snapWatchers[ch] = struct{}{}
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		if _, ok := c.snapWatchers[ch]; ok {
			delete(c.snapWatchers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Coordinator) broadcast(st flash.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

func (c *Coordinator) broadcastSnapshot(snap diag.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.snapWatchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *Coordinator) remember(res *flash.Result) {
	if res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.archive = append(c.archive, res)
	if len(c.archive) > c.archiveSize {
		c.archive = c.archive[len(c.archive)-c.archiveSize:]
	}
}

// Sessions returns the archived session records, newest first.
func (c *Coordinator) Sessions() []*flash.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*flash.Result, 0, len(c.archive))
	for i := len(c.archive) - 1; i >= 0; i-- {
		out = append(out, c.archive[i])
	}
	return out
}

// Session looks up an archived session record by id.
func (c *Coordinator) Session(id string) (*flash.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, res := range c.archive {
		if res.ID == id {
			return res, true
		}
	}
	return nil, false
}
