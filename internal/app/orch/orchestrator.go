// Package orch fans call state out to the UI sockets.
package orch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/app/call"
	"github.com/dkeye/Call/internal/core"
	"github.com/rs/zerolog/log"
)

// Source is the part of the call machine the orchestrator reads.
type Source interface {
	Subscribe(buf int) (<-chan call.Event, func())
	Snapshot() call.Snapshot
}

type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Source   Source

	mu     sync.Mutex
	misses map[app.WatcherID]int
}

func New(reg *app.Registry, policy app.Policy, src Source) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Policy:   policy,
		Source:   src,
		misses:   make(map[app.WatcherID]int),
	}
}

type stateFrame struct {
	Type string `json:"type"`
	call.Event
}

func encodeEvent(ev call.Event) (core.Frame, error) {
	return json.Marshal(stateFrame{Type: "state", Event: ev})
}

// Run forwards every machine event until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	events, cancel := o.Source.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			o.OnEvent(ev)
		}
	}
}

func (o *Orchestrator) OnEvent(ev call.Event) {
	frame, err := encodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode state")
		return
	}
	o.OnFrame(frame)
}

// Hello sends the current snapshot to one watcher, typically right after it binds.
func (o *Orchestrator) Hello(id app.WatcherID) {
	frame, err := encodeEvent(call.Event{Snapshot: o.Source.Snapshot()})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode state")
		return
	}
	o.Registry.Send(id, frame)
}

func (o *Orchestrator) OnFrame(data core.Frame) {
	dropped := o.Registry.Broadcast(data)

	o.mu.Lock()
	slow := make(map[app.WatcherID]bool, len(dropped))
	for _, id := range dropped {
		slow[id] = true
		o.misses[id]++
	}
	for id := range o.misses {
		if !slow[id] {
			delete(o.misses, id)
		}
	}
	var kick []app.WatcherID
	if o.Policy != nil {
		for _, id := range dropped {
			if o.Policy.OnBackPressure(id, o.misses[id]) == app.KickWatcher {
				kick = append(kick, id)
				delete(o.misses, id)
			}
		}
	}
	o.mu.Unlock()

	for _, id := range kick {
		o.Registry.Cancel(id)
		log.Warn().Str("module", "orch").Str("watcher", string(id)).Int("remaining", o.Registry.Count()).Msg("kicked slow watcher")
	}
}
