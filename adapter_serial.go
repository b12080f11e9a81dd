package ecubus

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:               "serial",
		Description:        "Generic serial ECU interface",
		RequiresSerialPort: true,
		New:                NewSerial,
	}); err != nil {
		panic(err)
	}
}

// SerialAdapter speaks the wire framing over a plain serial port or
// USB-serial bridge.
type SerialAdapter struct {
	*BaseAdapter
	port serial.Port
}

func NewSerial(cfg *AdapterConfig) (Adapter, error) {
	return &SerialAdapter{
		BaseAdapter: NewBaseAdapter("serial", cfg),
	}, nil
}

func (a *SerialAdapter) Open(ctx context.Context) error {
	a.reset()
	portName, err := FindPort(a.cfg.Port)
	if err != nil {
		return err
	}
	mode := &serial.Mode{
		BaudRate: a.cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open com port %q : %w", portName, err)
	}
	p.SetReadTimeout(5 * time.Millisecond)
	p.ResetInputBuffer()
	a.port = p

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sendManager(gctx) })
	g.Go(func() error { return a.recvManager(gctx) })
	go func() {
		if err := g.Wait(); err != nil {
			a.Fatal(err)
		}
	}()
	return nil
}

func (a *SerialAdapter) Close() error {
	a.BaseAdapter.Close()
	if a.port == nil {
		return nil
	}
	time.Sleep(10 * time.Millisecond)
	a.port.ResetInputBuffer()
	err := a.port.Close()
	a.port = nil
	return err
}

func (a *SerialAdapter) sendManager(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.closeChan:
			return nil
		case frame := <-a.sendChan:
			buf, err := Marshal(frame)
			if err != nil {
				a.Error(err)
				continue
			}
			if a.cfg.Debug {
				a.Debug(frame.String())
			}
			if _, err := a.port.Write(buf); err != nil {
				return fmt.Errorf("failed to write to com port: %w", err)
			}
		}
	}
}

func (a *SerialAdapter) recvManager(ctx context.Context) error {
	var scanner Scanner
	readBuffer := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.closeChan:
			return nil
		default:
		}
		n, err := a.port.Read(readBuffer)
		if err != nil {
			select {
			case <-a.closeChan:
				return nil
			default:
			}
			return fmt.Errorf("failed to read com port: %w", err)
		}
		if n == 0 {
			continue
		}
		scanner.Feed(readBuffer[:n])
		for {
			frame, err := scanner.Next()
			if err != nil {
				// corrupt frame dropped, the stream resyncs
				a.Error(err)
				continue
			}
			if frame == nil {
				break
			}
			if a.cfg.Debug {
				a.Debug(frame.String())
			}
			select {
			case a.recvChan <- frame:
			default:
				a.Error(ErrDroppedFrame)
			}
		}
	}
}
