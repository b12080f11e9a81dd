package ecubus

import (
	"context"
	"sync"

	"github.com/garagemate/ecubus/pkg/log"
)

// handler drains the adapter's receive channel, hands responses to the
// waiter registered for their sequence id and fans everything out to
// subscribers.
type handler struct {
	adapter Adapter

	close     chan struct{}
	closeOnce sync.Once

	waiters map[uint8]chan *Frame
	subs    map[*Subscriber]struct{}

	// called for a response whose sequence id has no waiter
	onOrphan func(*Frame)

	mu sync.RWMutex
}

func newHandler(adapter Adapter) *handler {
	return &handler{
		adapter: adapter,
		close:   make(chan struct{}),
		waiters: make(map[uint8]chan *Frame),
		subs:    make(map[*Subscriber]struct{}),
	}
}

// registerWaiter claims the sequence id until unregisterWaiter. The
// returned channel is buffered so deliver never blocks on it.
func (h *handler) registerWaiter(seq uint8) chan *Frame {
	ch := make(chan *Frame, 1)
	h.mu.Lock()
	h.waiters[seq] = ch
	h.mu.Unlock()
	return ch
}

func (h *handler) unregisterWaiter(seq uint8) {
	h.mu.Lock()
	delete(h.waiters, seq)
	h.mu.Unlock()
}

func (h *handler) registerSub(sub *Subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *handler) unregisterSub(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.responseChan)
	}
}

func (h *handler) run(ctx context.Context) {
	recvChan := h.adapter.Recv()
	for {
		select {
		case <-h.close:
			return
		case <-ctx.Done():
			return
		case frame, ok := <-recvChan:
			if !ok {
				log.Debug("adapter receive channel closed")
				return
			}
			h.deliver(frame)
		}
	}
}

// NOTE: We send while holding RLock on h.mu. unregisterSub acquires the
// write lock and closes sub.responseChan. Holding RLock guarantees the
// channel won't be closed mid-send, avoiding send-on-closed-channel
// panics.
func (h *handler) deliver(frame *Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if frame.Type.IsResponse() {
		if waiter, ok := h.waiters[frame.Seq]; ok {
			select {
			case waiter <- frame:
			default:
				log.Warn("waiter channel full", "type", frame.Type, "seq", frame.Seq)
			}
		} else if h.onOrphan != nil {
			h.onOrphan(frame)
		}
	}
	for sub := range h.subs {
		if !sub.match(frame.Type) {
			continue
		}
		select {
		case sub.responseChan <- frame:
		default:
			log.Debug("failed to deliver frame to subscriber", "type", frame.Type)
		}
	}
}

func (h *handler) Close() {
	h.closeOnce.Do(func() {
		close(h.close)
	})
}
