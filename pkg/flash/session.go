// Package flash reprograms ECU parameters as one supervised session:
// backup, validate, chunked write, byte-exact verify, then commit.
// Every path short of commit restores the backup; a rollback that
// itself fails is the one outcome that leaves the ECU modified, and it
// is surfaced as loudly as the package can manage.
package flash

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/looplab/fsm"

	"github.com/garagemate/ecubus"
	"github.com/garagemate/ecubus/pkg/log"
	"github.com/garagemate/ecubus/pkg/metrics"
	"github.com/garagemate/ecubus/pkg/profile"
)

// State is the session's position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateBackingUp  State = "backing_up"
	StateWriting    State = "writing"
	StateVerifying  State = "verifying"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
)

// Terminal reports whether the session is finished.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateFailed:
		return true
	}
	return false
}

const (
	eventStart    = "start"
	eventWrite    = "write"
	eventVerify   = "verify"
	eventCommit   = "commit"
	eventRollback = "rollback"
	eventFail     = "fail"
)

// Status is one progress update on the session's status channel.
type Status struct {
	SessionID   string `json:"session_id"`
	State       State  `json:"state"`
	ChunksDone  int    `json:"chunks_done"`
	ChunksTotal int    `json:"chunks_total"`
	Message     string `json:"message,omitempty"`
}

// Result is the terminal record of a session.
type Result struct {
	ID          string             `json:"id"`
	State       State              `json:"state"`
	Cancelled   bool               `json:"cancelled,omitempty"`
	Applied     map[string]float64 `json:"applied,omitempty"`
	ChunksDone  int                `json:"chunks_done"`
	ChunksTotal int                `json:"chunks_total"`
	Retries     int                `json:"retries,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Started     time.Time          `json:"started"`
	Finished    time.Time          `json:"finished"`

	Err    error            `json:"-"`
	Backup map[uint16]int32 `json:"-"`
}

func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

var (
	sessionSeq atomic.Uint64

	// chunkSeq numbers write chunks across all sessions on this process
	// so the ECU's replay detection never mistakes a fresh session's
	// chunk for a replay of an earlier one.
	chunkSeq atomic.Uint32
)

// Session is a single flash attempt. Sessions are one-shot: create,
// Run once, read the Result.
type Session struct {
	id        string
	conn      *ecubus.Connection
	prof      *profile.Profile
	requested map[string]float64

	chunkSize    int
	chunkRetries uint
	retryDelay   time.Duration

	machine    *fsm.FSM
	statusChan chan Status
	started    atomic.Bool
	cancelled  atomic.Bool

	backup  map[uint16]int32
	changes []profile.Change
	done    int
	total   int
	retries int

	result *Result
}

type Option func(*Session)

// WithChunkSize sets how many parameter records go into one write
// chunk.
func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithChunkRetries sets how many attempts each chunk write gets before
// the session aborts into rollback.
func WithChunkRetries(n uint) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkRetries = n
		}
	}
}

// WithRetryDelay sets the pause between chunk write attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

func NewSession(conn *ecubus.Connection, prof *profile.Profile, requested map[string]float64, opts ...Option) *Session {
	s := &Session{
		id:           fmt.Sprintf("flash-%d", sessionSeq.Add(1)),
		conn:         conn,
		prof:         prof,
		requested:    requested,
		chunkSize:    16,
		chunkRetries: 3,
		retryDelay:   50 * time.Millisecond,
		statusChan:   make(chan Status, 32),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateIdle)}, Dst: string(StateBackingUp)},
			{Name: eventWrite, Src: []string{string(StateBackingUp)}, Dst: string(StateWriting)},
			{Name: eventVerify, Src: []string{string(StateWriting)}, Dst: string(StateVerifying)},
			{Name: eventCommit, Src: []string{string(StateVerifying)}, Dst: string(StateCommitted)},
			{Name: eventRollback, Src: []string{string(StateBackingUp), string(StateVerifying)}, Dst: string(StateRolledBack)},
			{Name: eventFail, Src: []string{string(StateBackingUp), string(StateVerifying)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.publish(Status{
					SessionID:   s.id,
					State:       State(e.Dst),
					ChunksDone:  s.done,
					ChunksTotal: s.total,
				})
				log.Debug("flash state", "session", s.id, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Status returns the progress channel. It is closed when the session
// reaches a terminal state; slow consumers miss updates rather than
// stall the session.
func (s *Session) Status() <-chan Status {
	return s.statusChan
}

// Cancel requests cancellation. Before any write it aborts cleanly;
// during writing it forces rollback at the next chunk boundary; during
// verification it is deferred until the verdict, then rollback runs. A
// cancelled session never commits. Cancelling a finished session is an
// error.
func (s *Session) Cancel() error {
	if st := s.State(); st.Terminal() {
		return fmt.Errorf("session %s already %s", s.id, st)
	}
	if s.cancelled.CompareAndSwap(false, true) {
		log.Info("flash cancel requested", "session", s.id)
	}
	return nil
}

// Run drives the session to a terminal state. The returned error is
// nil only for Committed; otherwise it is the *FlashError that ended
// the session, with Result carrying the full record either way.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errors.New("flash session already started")
	}
	s.result = &Result{ID: s.id, Started: time.Now()}
	metrics.FlashActive.Set(1)
	defer metrics.FlashActive.Set(0)
	defer close(s.statusChan)

	err := s.run(ctx)

	s.result.Finished = time.Now()
	s.result.State = s.State()
	s.result.ChunksDone = s.done
	s.result.ChunksTotal = s.total
	s.result.Retries = s.retries
	s.result.Backup = s.backup
	s.result.Err = err
	if err != nil {
		s.result.Reason = err.Error()
	}
	metrics.FlashSessions.WithLabelValues(s.metricResult(err)).Inc()

	switch s.result.State {
	case StateCommitted:
		log.Info("flash committed", "session", s.id, "params", len(s.changes), "chunks", s.total, "retries", s.retries, "took", s.result.Duration())
	case StateRolledBack:
		log.Warn("flash rolled back", "session", s.id, "reason", s.result.Reason, "took", s.result.Duration())
	default:
		log.Error(err, "flash failed", "session", s.id, "took", s.result.Duration())
	}
	return s.result, err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.to(ctx, eventStart); err != nil {
		return err
	}

	backup, err := s.readParams(ctx, s.requestedIDs())
	if err != nil {
		ferr := &FlashError{Kind: BackupFailed, Err: err}
		s.fail(ctx, ferr)
		return ferr
	}
	s.backup = backup
	s.message("backup captured, %d parameters", len(backup))

	if s.cancelled.Load() {
		// nothing written, nothing to restore
		s.result.Cancelled = true
		if err := s.to(ctx, eventRollback); err != nil {
			return err
		}
		return &FlashError{Kind: SessionCancelled}
	}

	changes, err := profile.Validate(s.prof, s.requested, backup)
	if err != nil {
		ferr := &FlashError{Kind: ValidationRejected, Err: err}
		s.fail(ctx, ferr)
		return ferr
	}
	s.changes = changes
	s.result.Applied = make(map[string]float64, len(changes))
	for _, ch := range changes {
		s.result.Applied[ch.Spec.Name] = ch.Value
	}

	if err := s.to(ctx, eventWrite); err != nil {
		return err
	}

	chunks := chunkValues(toValues(changes), s.chunkSize)
	s.total = len(chunks)
	for _, vals := range chunks {
		if s.cancelled.Load() {
			s.result.Cancelled = true
			return s.rollback(ctx, &FlashError{Kind: SessionCancelled})
		}
		if ctx.Err() != nil {
			s.result.Cancelled = true
			return s.rollback(ctx, &FlashError{Kind: SessionCancelled, Err: ctx.Err()})
		}
		if err := s.writeChunk(ctx, vals); err != nil {
			return s.rollback(ctx, &FlashError{Kind: WriteFailed, Err: err})
		}
		s.done++
		s.publish(Status{SessionID: s.id, State: StateWriting, ChunksDone: s.done, ChunksTotal: s.total})
	}

	if err := s.to(ctx, eventVerify); err != nil {
		return err
	}

	if err := s.verify(ctx, s.changes); err != nil {
		return s.rollback(ctx, &FlashError{Kind: VerifyFailed, Err: err})
	}

	if s.cancelled.Load() {
		// cancel arrived during verification, honored now
		s.result.Cancelled = true
		return s.rollback(ctx, &FlashError{Kind: SessionCancelled})
	}

	return s.to(ctx, eventCommit)
}

// rollback restores the backup and lands the session on RolledBack,
// returning cause. It runs detached from the caller's cancellation so
// that an aborted session still leaves the ECU restored; per-request
// timeouts still bound every frame.
func (s *Session) rollback(ctx context.Context, cause *FlashError) error {
	rctx := context.WithoutCancel(ctx)
	if s.machine.Is(string(StateWriting)) {
		if err := s.to(rctx, eventVerify); err != nil {
			return err
		}
	}
	s.message("rolling back: %s", cause.Kind)
	log.Warn("rolling back", "session", s.id, "cause", cause)

	if err := s.restore(rctx); err != nil {
		metrics.FlashRollbackFailures.Inc()
		ferr := &FlashError{Kind: RollbackFailed, Err: err}
		s.message("rollback failed, ecu may hold partial values")
		log.Error(err, "rollback failed, ecu may hold partial values", "session", s.id)
		s.fail(rctx, ferr)
		return ferr
	}
	if err := s.to(rctx, eventRollback); err != nil {
		return err
	}
	return cause
}

// restore rewrites every parameter of the write set back to its backup
// value and verifies the readback. Restore chunks draw fresh indices
// from the shared counter, so the ECU never mistakes one for a replay
// of a forward chunk.
func (s *Session) restore(ctx context.Context) error {
	vals := make([]ecubus.ParamValue, 0, len(s.changes))
	for _, ch := range s.changes {
		raw, ok := s.backup[ch.Spec.ID]
		if !ok {
			return fmt.Errorf("no backup value for %s", ch.Spec.Name)
		}
		vals = append(vals, ecubus.ParamValue{ID: ch.Spec.ID, Raw: raw})
	}
	chunks := chunkValues(vals, s.chunkSize)
	for i, chunk := range chunks {
		if err := s.writeChunk(ctx, chunk); err != nil {
			return fmt.Errorf("restore chunk %d/%d: %w", i+1, len(chunks), err)
		}
		s.message("rollback chunk %d/%d", i+1, len(chunks))
	}

	readback, err := s.readParams(ctx, ids(vals))
	if err != nil {
		return fmt.Errorf("restore readback: %w", err)
	}
	for _, v := range vals {
		got, ok := readback[v.ID]
		if !ok {
			return fmt.Errorf("restore readback missing 0x%04X", v.ID)
		}
		if got != v.Raw {
			return fmt.Errorf("restore mismatch on 0x%04X: raw %d, want %d", v.ID, got, v.Raw)
		}
	}
	return nil
}

// verify reads back every written parameter and compares raw values
// exactly.
func (s *Session) verify(ctx context.Context, changes []profile.Change) error {
	idList := make([]uint16, len(changes))
	for i, ch := range changes {
		idList[i] = ch.Spec.ID
	}
	readback, err := s.readParams(ctx, idList)
	if err != nil {
		return err
	}
	var mismatches int
	var first string
	for _, ch := range changes {
		got, ok := readback[ch.Spec.ID]
		if !ok {
			mismatches++
			if first == "" {
				first = fmt.Sprintf("%s missing from readback", ch.Spec.Name)
			}
			continue
		}
		if got != ch.Raw {
			mismatches++
			if first == "" {
				first = fmt.Sprintf("%s raw %d, want %d", ch.Spec.Name, got, ch.Raw)
			}
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d of %d parameters differ: %s", mismatches, len(changes), first)
	}
	return nil
}

func (s *Session) writeChunk(ctx context.Context, vals []ecubus.ParamValue) error {
	idx := uint16(chunkSeq.Add(1))
	payload := ecubus.EncodeWriteChunk(idx, vals)
	return retry.Do(
		func() error {
			resp, err := s.conn.SendAndWait(ctx, ecubus.NewFrame(ecubus.TypeWriteChunk, payload), s.conn.RequestTimeout())
			if err != nil {
				return err
			}
			ack, err := ecubus.DecodeWriteChunkAck(resp.Data)
			if err != nil {
				return err
			}
			if ack != idx {
				return fmt.Errorf("ack for chunk %d, want %d", ack, idx)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.chunkRetries),
		retry.Delay(s.retryDelay),
		retry.RetryIf(ecubus.IsRecoverable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.retries++
			metrics.FlashChunkRetries.Inc()
			log.Warn("chunk write retry", "session", s.id, "chunk", idx, "attempt", n+1, "err", err)
		}),
	)
}

func (s *Session) readParams(ctx context.Context, idList []uint16) (map[uint16]int32, error) {
	out := make(map[uint16]int32, len(idList))
	if len(idList) == 0 {
		return out, nil
	}
	req := ecubus.NewFrame(ecubus.TypeReadParam, ecubus.EncodeReadParam(idList))
	resp, err := s.conn.SendAndWait(ctx, req, s.conn.RequestTimeout())
	if err != nil {
		return nil, err
	}
	vals, err := ecubus.DecodeParamValues(resp.Data)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		out[v.ID] = v.Raw
	}
	return out, nil
}

// requestedIDs maps the requested names onto wire ids in profile
// order. Names the profile does not know are left for the validator to
// reject.
func (s *Session) requestedIDs() []uint16 {
	var idList []uint16
	for i := range s.prof.Parameters {
		spec := &s.prof.Parameters[i]
		if _, ok := s.requested[spec.Name]; ok {
			idList = append(idList, spec.ID)
		}
	}
	return idList
}

func (s *Session) to(ctx context.Context, event string) error {
	if err := s.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("flash session %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) fail(ctx context.Context, ferr *FlashError) {
	s.message("%s", ferr)
	if err := s.to(ctx, eventFail); err != nil {
		log.Error(err, "flash fail transition", "session", s.id)
	}
}

func (s *Session) publish(st Status) {
	select {
	case s.statusChan <- st:
	default:
	}
}

func (s *Session) message(format string, args ...any) {
	s.publish(Status{
		SessionID:   s.id,
		State:       s.State(),
		ChunksDone:  s.done,
		ChunksTotal: s.total,
		Message:     fmt.Sprintf(format, args...),
	})
}

func (s *Session) metricResult(err error) string {
	switch s.State() {
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	}
	var ferr *FlashError
	if errors.As(err, &ferr) && ferr.Kind == ValidationRejected {
		return "rejected"
	}
	return "failed"
}

func toValues(changes []profile.Change) []ecubus.ParamValue {
	vals := make([]ecubus.ParamValue, len(changes))
	for i, ch := range changes {
		vals[i] = ecubus.ParamValue{ID: ch.Spec.ID, Raw: ch.Raw}
	}
	return vals
}

func chunkValues(vals []ecubus.ParamValue, size int) [][]ecubus.ParamValue {
	var chunks [][]ecubus.ParamValue
	for len(vals) > size {
		chunks = append(chunks, vals[:size])
		vals = vals[size:]
	}
	if len(vals) > 0 {
		chunks = append(chunks, vals)
	}
	return chunks
}

func ids(vals []ecubus.ParamValue) []uint16 {
	out := make([]uint16, len(vals))
	for i, v := range vals {
		out[i] = v.ID
	}
	return out
}
