package relay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateDelete
)

// Sink is one playout destination for a remote track.
type Sink struct {
	Name string

	w         io.WriteCloser
	state     atomic.Int32 // Zero by default (SinkStateOk)
	written   atomic.Uint64
	closeOnce sync.Once
}

func NewSink(name string, w io.WriteCloser) *Sink {
	return &Sink{Name: name, w: w}
}

// DialUDPSink sends marshaled RTP to addr, e.g. for ffplay or gstreamer udpsrc.
func DialUDPSink(addr string) (*Sink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewSink(addr, conn), nil
}

func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.written.Add(1)
	return nil
}

func (s *Sink) Written() uint64 { return s.written.Load() }

func (s *Sink) GetState() SinkState {
	return SinkState(s.state.Load())
}

func (s *Sink) MarkDelete() {
	s.state.Store(int32(SinkStateDelete))
}

func (s *Sink) Close() {
	s.closeOnce.Do(func() { _ = s.w.Close() })
}
