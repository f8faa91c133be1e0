package app

import (
	"context"
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/rs/zerolog/log"
)

// WatcherID is the browser's client token. One live state socket per token.
type WatcherID string

type watcherEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks the UI sockets that follow the call state.
type Registry struct {
	mu       sync.RWMutex
	watchers map[WatcherID]*watcherEntry
}

func NewRegistry() *Registry {
	return &Registry{
		watchers: make(map[WatcherID]*watcherEntry),
	}
}

// Bind registers conn for id. A previous socket with the same id is cancelled.
func (r *Registry) Bind(id WatcherID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	old := r.watchers[id]
	r.watchers[id] = &watcherEntry{Conn: conn, Cancel: cancel}
	r.mu.Unlock()

	if old != nil {
		if old.Cancel != nil {
			old.Cancel()
		}
		old.Conn.Close()
		log.Info().Str("module", "app.registry").Str("watcher", string(id)).Msg("replaced watcher")
		return
	}
	log.Info().Str("module", "app.registry").Str("watcher", string(id)).Int("watchers", r.Count()).Msg("bound watcher")
}

// Unbind removes id only while it still points at conn.
func (r *Registry) Unbind(id WatcherID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.watchers[id]; ok && e.Conn == conn {
		delete(r.watchers, id)
		log.Info().Str("module", "app.registry").Str("watcher", string(id)).Msg("unbind watcher")
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}

// Broadcast queues f on every watcher and returns the ones that could not take it.
func (r *Registry) Broadcast(f core.Frame) []WatcherID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var dropped []WatcherID
	for id, e := range r.watchers {
		if err := e.Conn.TrySend(f); err != nil {
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// Send queues f on a single watcher.
func (r *Registry) Send(id WatcherID, f core.Frame) bool {
	r.mu.RLock()
	e, ok := r.watchers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.Conn.TrySend(f) == nil
}

func (r *Registry) Cancel(id WatcherID) bool {
	r.mu.Lock()
	e, ok := r.watchers[id]
	delete(r.watchers, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Conn.Close()
	log.Info().Str("module", "app.registry").Str("watcher", string(id)).Msg("canceled watcher")
	return true
}
