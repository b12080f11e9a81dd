package ecubus

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/albenik/bcd"
)

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:               "sim",
		Description:        "Simulated ECU, no hardware required",
		RequiresSerialPort: false,
		New: func(cfg *AdapterConfig) (Adapter, error) {
			return NewSim(cfg), nil
		},
	}); err != nil {
		panic(err)
	}
}

// SimFaults scripts failures into the simulated ECU. Counters burn
// down as they fire.
type SimFaults struct {
	// RejectHandshake refuses every handshake with a negative response.
	RejectHandshake bool
	// FailHandshakes swallows the first n handshake requests.
	FailHandshakes int
	// DropPings swallows the first n pings.
	DropPings int
	// FailReads swallows the first n read requests, pid and param alike.
	FailReads int
	// DropWrites swallows the first n write chunks.
	DropWrites int
	// DropAcks applies the first n write chunks but swallows the ack,
	// so the retry exercises the chunk idempotency path.
	DropAcks int
	// CorruptWrites acks the first n write chunks but stores garbage.
	CorruptWrites int
	// CorruptAllWrites stores garbage on every write, rollback included.
	CorruptAllWrites bool
}

// SimAdapter is an in-memory ECU behind the Adapter interface. It
// answers every request type, enforces write-chunk idempotency and can
// be scripted to fail, which makes it the test double for everything
// above the link layer.
type SimAdapter struct {
	*BaseAdapter

	mu      sync.Mutex
	params  map[uint16]int32
	pids    map[uint16]int32
	dtcs    []uint16
	applied map[uint16]struct{}
	counts  map[FrameType]int
	faults  SimFaults

	serial   uint32
	firmware uint32
	version  uint8
}

func NewSim(cfg *AdapterConfig) *SimAdapter {
	return &SimAdapter{
		BaseAdapter: NewBaseAdapter("sim", cfg),
		params: map[uint16]int32{
			0x0101: 1000, // boost_turbo, 1.000 bar
			0x0102: 0,    // fuel_trim
			0x0103: 6500, // rev_limit
			0x0104: 850,  // idle_target
		},
		pids: map[uint16]int32{
			0x0105: 131,  // coolant temp
			0x010B: 101,  // intake pressure
			0x010C: 3200, // engine rpm, 800 at 0.25 scale
			0x010D: 0,    // vehicle speed
		},
		applied:  make(map[uint16]struct{}),
		counts:   make(map[FrameType]int),
		serial:   420137,
		firmware: 0x010A0004,
		version:  1,
	}
}

func (s *SimAdapter) Open(ctx context.Context) error {
	s.reset()
	go s.processManager(ctx)
	return nil
}

func (s *SimAdapter) Close() error {
	s.BaseAdapter.Close()
	return nil
}

// SetFaults replaces the fault script.
func (s *SimAdapter) SetFaults(f SimFaults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// SeedParam sets a stored parameter value directly.
func (s *SimAdapter) SeedParam(id uint16, raw int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[id] = raw
}

// Param reads a stored parameter value directly.
func (s *SimAdapter) Param(id uint16) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.params[id]
	return raw, ok
}

// Params returns a copy of the parameter store.
func (s *SimAdapter) Params() map[uint16]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint16]int32, len(s.params))
	for id, raw := range s.params {
		out[id] = raw
	}
	return out
}

// SeedPID sets a live sensor value.
func (s *SimAdapter) SeedPID(pid uint16, raw int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pids[pid] = raw
}

// SetDTCs replaces the stored trouble codes.
func (s *SimAdapter) SetDTCs(codes ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtcs = append([]uint16(nil), codes...)
}

// FrameCount reports how many requests of the given type have arrived.
func (s *SimAdapter) FrameCount(t FrameType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[t]
}

func (s *SimAdapter) processManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case frame := <-s.sendChan:
			resp := s.handle(frame)
			if resp == nil {
				continue
			}
			select {
			case s.recvChan <- resp:
			default:
				s.Error(ErrDroppedFrame)
			}
		}
	}
}

func (s *SimAdapter) handle(req *Frame) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[req.Type]++

	neg := func(code uint8) *Frame {
		return &Frame{Type: TypeNegative, Seq: req.Seq, Data: EncodeNegative(req.Type, code)}
	}
	resp := func(data []byte) *Frame {
		return &Frame{Type: req.Type.Response(), Seq: req.Seq, Data: data}
	}

	switch req.Type {
	case TypeHandshake:
		if s.faults.FailHandshakes > 0 {
			s.faults.FailHandshakes--
			return nil
		}
		if s.faults.RejectHandshake {
			return neg(NegGeneralReject)
		}
		payload := make([]byte, 0, 9)
		payload = append(payload, s.version)
		payload = append(payload, bcd.FromUint32(s.serial)...)
		payload = binary.BigEndian.AppendUint32(payload, s.firmware)
		return resp(payload)

	case TypePing:
		if s.faults.DropPings > 0 {
			s.faults.DropPings--
			return nil
		}
		return resp(nil)

	case TypeReadPID:
		if s.faults.FailReads > 0 {
			s.faults.FailReads--
			return nil
		}
		pids, err := DecodeReadTargets(req.Data)
		if err != nil {
			return neg(NegGeneralReject)
		}
		out := []byte{0}
		var count int
		for _, pid := range pids {
			raw, ok := s.pids[pid]
			if !ok {
				continue
			}
			out = binary.BigEndian.AppendUint16(out, pid)
			out = binary.BigEndian.AppendUint32(out, uint32(raw))
			count++
		}
		out[0] = byte(count)
		return resp(out)

	case TypeReadDTC:
		out := []byte{byte(len(s.dtcs))}
		for _, code := range s.dtcs {
			out = binary.BigEndian.AppendUint16(out, code)
		}
		return resp(out)

	case TypeReadParam:
		if s.faults.FailReads > 0 {
			s.faults.FailReads--
			return nil
		}
		ids, err := DecodeReadTargets(req.Data)
		if err != nil {
			return neg(NegGeneralReject)
		}
		out := []byte{byte(len(ids))}
		for _, id := range ids {
			raw, ok := s.params[id]
			if !ok {
				return neg(NegRequestOutOfRange)
			}
			out = binary.BigEndian.AppendUint16(out, id)
			out = binary.BigEndian.AppendUint32(out, uint32(raw))
		}
		return resp(out)

	case TypeWriteChunk:
		chunk, vals, err := DecodeWriteChunkTarget(req.Data)
		if err != nil {
			return neg(NegGeneralReject)
		}
		if s.faults.DropWrites > 0 {
			s.faults.DropWrites--
			return nil
		}
		ack := make([]byte, 2)
		binary.BigEndian.PutUint16(ack, chunk)
		if _, done := s.applied[chunk]; done {
			// retried chunk, already applied
			return resp(ack)
		}
		for _, v := range vals {
			if _, ok := s.params[v.ID]; !ok {
				return neg(NegRequestOutOfRange)
			}
		}
		corrupt := s.faults.CorruptAllWrites
		if s.faults.CorruptWrites > 0 {
			s.faults.CorruptWrites--
			corrupt = true
		}
		for _, v := range vals {
			if corrupt {
				s.params[v.ID] = v.Raw + 1
			} else {
				s.params[v.ID] = v.Raw
			}
		}
		s.applied[chunk] = struct{}{}
		if s.faults.DropAcks > 0 {
			s.faults.DropAcks--
			return nil
		}
		return resp(ack)

	default:
		return neg(NegServiceNotSupported)
	}
}
