// Package diag polls the ECU for live sensor values and stored trouble
// codes. The last good snapshot is kept so that consumers never block
// on the wire; a failed poll leaves it in place and its age tells the
// consumer how stale it is.
package diag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/garagemate/ecubus"
	"github.com/garagemate/ecubus/pkg/metrics"
	"github.com/garagemate/ecubus/pkg/profile"
)

// Reading is one decoded sensor value.
type Reading struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// DTC is one stored trouble code.
type DTC struct {
	Code string `json:"code"`
	Raw  uint16 `json:"raw"`
}

// Snapshot is the result of one diagnostic poll. Snapshots are
// immutable once published.
type Snapshot struct {
	Time     time.Time `json:"time"`
	Readings []Reading `json:"readings"`
	DTCs     []DTC     `json:"dtcs"`
}

// Age reports how long ago the snapshot was taken.
func (s Snapshot) Age() time.Duration {
	return time.Since(s.Time)
}

// Reading looks up a sensor value by name.
func (s Snapshot) Reading(name string) (Reading, bool) {
	for _, r := range s.Readings {
		if r.Name == name {
			return r, true
		}
	}
	return Reading{}, false
}

// Reader performs diagnostic polls over one connection.
type Reader struct {
	conn *ecubus.Connection
	prof *profile.Profile

	mu     sync.RWMutex
	latest *Snapshot
}

func NewReader(conn *ecubus.Connection, prof *profile.Profile) *Reader {
	return &Reader{conn: conn, prof: prof}
}

// Poll performs one full diagnostic cycle: all profile sensor channels
// plus the stored trouble codes. On success the snapshot replaces the
// cached one; on any failure the cached snapshot is left untouched and
// the error is returned.
func (r *Reader) Poll(ctx context.Context) (*Snapshot, error) {
	snap, err := r.poll(ctx)
	if err != nil {
		metrics.DiagPollFailures.Inc()
		return nil, err
	}
	r.mu.Lock()
	r.latest = snap
	r.mu.Unlock()
	metrics.DiagPolls.Inc()
	metrics.DiagLastPoll.SetToCurrentTime()
	return snap, nil
}

func (r *Reader) poll(ctx context.Context) (*Snapshot, error) {
	timeout := r.conn.RequestTimeout()

	req := ecubus.NewFrame(ecubus.TypeReadPID, ecubus.EncodeReadPID(r.prof.PIDIDs()))
	resp, err := r.conn.SendAndWait(ctx, req, timeout)
	if err != nil {
		return nil, fmt.Errorf("read pids: %w", err)
	}
	vals, err := ecubus.DecodePIDValues(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("read pids: %w", err)
	}

	resp, err = r.conn.SendAndWait(ctx, ecubus.NewFrame(ecubus.TypeReadDTC, nil), timeout)
	if err != nil {
		return nil, fmt.Errorf("read dtcs: %w", err)
	}
	codes, err := ecubus.DecodeDTCs(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("read dtcs: %w", err)
	}

	snap := &Snapshot{Time: time.Now()}
	byPID := make(map[uint16]int32, len(vals))
	for _, v := range vals {
		byPID[v.PID] = v.Raw
	}
	for i := range r.prof.PIDs {
		spec := &r.prof.PIDs[i]
		raw, ok := byPID[spec.PID]
		if !ok {
			// ECU does not report this channel, leave it out
			continue
		}
		snap.Readings = append(snap.Readings, Reading{
			Name:  spec.Name,
			Value: spec.Decode(raw),
			Unit:  spec.Unit,
		})
	}
	for _, raw := range codes {
		snap.DTCs = append(snap.DTCs, DTC{Code: DecodeDTC(raw), Raw: raw})
	}
	return snap, nil
}

// Latest returns the cached snapshot. The second return is false until
// the first successful poll.
func (r *Reader) Latest() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Snapshot{}, false
	}
	return *r.latest, true
}
