package ecubus

import (
	"context"
	"fmt"
	"sync"
)

// Subscriber receives a copy of traffic flowing through a Connection.
// With no type filter it sees every frame; otherwise only the listed
// frame types.
type Subscriber struct {
	h            *handler
	types        map[FrameType]struct{}
	filterCount  int
	responseChan chan *Frame
	closeOnce    sync.Once
}

func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.h.unregisterSub(s)
	})
}

func (s *Subscriber) Chan() <-chan *Frame {
	return s.responseChan
}

func (s *Subscriber) match(t FrameType) bool {
	if s.filterCount == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *Subscriber) wait(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout: %w", ctx.Err())
	case frame, ok := <-s.responseChan:
		if !ok {
			return nil, ErrResponseChannelClosed
		}
		return frame, nil
	}
}
