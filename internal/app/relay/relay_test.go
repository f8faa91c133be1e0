package relay

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type chanSource struct{ ch chan *rtp.Packet }

func (s *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-s.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recorder struct {
	mu     sync.Mutex
	frames int
	closed bool
	fail   bool
}

func (r *recorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail || r.closed {
		return 0, errors.New("write failed")
	}
	r.frames++
	return len(b), nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) snapshot() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.closed
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: 1}, Payload: []byte{0xf8, 0xff, 0xfe}}
}

func TestRelayForward(t *testing.T) {
	logger := zerolog.Nop()
	r := NewRelay(nil, nil)

	ok := &recorder{}
	gone := &recorder{}
	broken := &recorder{fail: true}
	r.AddSink(NewSink("ok", ok))
	gs := NewSink("gone", gone)
	gs.MarkDelete()
	r.AddSink(gs)
	r.AddSink(NewSink("broken", broken))

	r.forward(packet(1), &logger)
	r.forward(packet(2), &logger)

	if n, _ := ok.snapshot(); n != 2 {
		t.Errorf("ok sink frames = %d", n)
	}
	if n, closed := gone.snapshot(); n != 0 || !closed {
		t.Errorf("deleted sink frames = %d closed = %v", n, closed)
	}
	if _, closed := broken.snapshot(); !closed {
		t.Error("broken sink should be closed")
	}
	if r.SinkCount() != 1 {
		t.Errorf("sinks = %d, only the healthy sink should remain", r.SinkCount())
	}
}

func TestRelayLoopEndsWithSource(t *testing.T) {
	logger := zerolog.Nop()
	src := &chanSource{ch: make(chan *rtp.Packet, 4)}
	rec := &recorder{}
	r := NewRelay(src, nil)
	s := NewSink("rec", rec)
	r.AddSink(s)

	src.ch <- packet(1)
	src.ch <- packet(2)
	close(src.ch)

	go r.loop(t.Context(), &logger)
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay loop did not stop")
	}
	if r.Packets() != 2 || s.Written() != 2 {
		t.Fatalf("packets=%d written=%d", r.Packets(), s.Written())
	}
	if s.GetState() != SinkStateDelete {
		t.Fatal("sinks should be marked for delete when the source ends")
	}
}

func TestManagerAggregates(t *testing.T) {
	m := NewManager(config.Playout{})

	src := &chanSource{ch: make(chan *rtp.Packet)}
	m.mu.Lock()
	m.aggregate = "first"
	r := m.startLocked("audio-1", webrtc.RTPCodecTypeAudio, src)
	m.mu.Unlock()
	rec := &recorder{}
	r.AddSink(NewSink("rec", rec))

	// Same aggregate keeps the relay.
	m.Play(core.RemoteMedia{ID: "first", Tracks: []core.RemoteTrack{{ID: "audio-1"}}})
	if id, stats := m.Stats(); id != "first" || len(stats) != 1 {
		t.Fatalf("stats = %s %+v", id, stats)
	}

	// A new negotiation replaces it.
	m.Play(core.RemoteMedia{ID: "second"})
	if id, stats := m.Stats(); id != "second" || len(stats) != 0 {
		t.Fatalf("stats = %s %+v", id, stats)
	}
	if _, closed := rec.snapshot(); !closed {
		t.Fatal("old sink should be closed")
	}

	close(src.ch)
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("old relay loop did not stop")
	}

	m.Stop()
	if id, _ := m.Stats(); id != "" {
		t.Fatalf("aggregate after stop = %q", id)
	}
}
