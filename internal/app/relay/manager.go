package relay

import (
	"context"
	"sync"

	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Manager plays the current remote media aggregate. It implements core.Playout.
type Manager struct {
	audioAddr string
	videoAddr string

	mu        sync.Mutex
	aggregate string
	relays    map[string]*Relay
}

func NewManager(cfg config.Playout) *Manager {
	return &Manager{
		audioAddr: cfg.AudioAddr,
		videoAddr: cfg.VideoAddr,
		relays:    make(map[string]*Relay),
	}
}

// Play starts relays for tracks not seen yet. A new aggregate replaces every running relay.
func (m *Manager) Play(media core.RemoteMedia) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if media.ID != m.aggregate {
		if m.aggregate != "" {
			log.Info().Str("module", "relay").Str("old", m.aggregate).Str("new", media.ID).Msg("replacing remote media")
		}
		m.stopAllLocked()
		m.aggregate = media.ID
		log.Info().Str("module", "relay").Str("aggregate", media.ID).Int("tracks", len(media.Tracks)).Bool("video", media.HasVideo()).Msg("playing remote media")
	}
	for _, t := range media.Tracks {
		if t.Track == nil {
			continue
		}
		if _, ok := m.relays[t.ID]; ok {
			continue
		}
		m.startLocked(t.ID, t.Kind, t.Track)
	}
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAllLocked()
	m.aggregate = ""
}

// startLocked creates a Relay for the remote track and starts its loop.
func (m *Manager) startLocked(trackID string, kind webrtc.RTPCodecType, src packetSource) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("track", trackID).
		Str("kind", kind.String()).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRelay(src, cancel)

	if addr := m.addrFor(kind); addr != "" {
		sink, err := DialUDPSink(addr)
		if err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("playout sink dial failed")
		} else {
			r.AddSink(sink)
		}
	}
	m.relays[trackID] = r

	logger.Info().Int("sinks", r.SinkCount()).Msg("starting relay loop")
	go r.loop(ctx, &logger)
	return r
}

func (m *Manager) stopAllLocked() {
	for id, r := range m.relays {
		r.stop()
		delete(m.relays, id)
	}
}

func (m *Manager) addrFor(kind webrtc.RTPCodecType) string {
	if kind == webrtc.RTPCodecTypeVideo {
		return m.videoAddr
	}
	return m.audioAddr
}

type TrackStats struct {
	TrackID string `json:"track_id"`
	Packets uint64 `json:"packets"`
	Sinks   int    `json:"sinks"`
}

// Stats reports per-track packet counters of the current aggregate.
func (m *Manager) Stats() (string, []TrackStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackStats, 0, len(m.relays))
	for id, r := range m.relays {
		out = append(out, TrackStats{TrackID: id, Packets: r.Packets(), Sinks: r.SinkCount()})
	}
	return m.aggregate, out
}
