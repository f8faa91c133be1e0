package relay

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// packetSource is satisfied by *webrtc.TrackRemote.
type packetSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay reads one remote track and forwards its packets to every sink.
type Relay struct {
	src packetSource

	mu    sync.RWMutex
	sinks map[string]*Sink

	packets atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRelay(src packetSource, cancel context.CancelFunc) *Relay {
	return &Relay{
		src:    src,
		sinks:  make(map[string]*Sink),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop runs until the source ends or ctx is cancelled. Packets are read even
// with no sink attached so receiver reports keep flowing.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all sinks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Uint64("packets", r.packets.Load()).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.packets.Add(1)
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.sinks)
	r.mu.RUnlock()

	var dirty []string
	for name, s := range snapshot {
		switch s.GetState() {
		case SinkStateDelete:
			dirty = append(dirty, name)
		case SinkStateOk:
			if err := s.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("sink", name).Msg("sink write error, marking sink as delete")
				s.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range dirty {
		if s, ok := r.sinks[name]; ok {
			s.Close()
			delete(r.sinks, name)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sinks {
		s.MarkDelete()
	}
}

func (r *Relay) AddSink(s *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name] = s
}

func (r *Relay) SinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

func (r *Relay) Packets() uint64 { return r.packets.Load() }

// stop cancels the loop and closes every sink. The loop itself exits once the
// source read returns, which happens when the peer connection closes.
func (r *Relay) stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	for name, s := range r.sinks {
		s.Close()
		delete(r.sinks, name)
	}
	r.mu.Unlock()
}
