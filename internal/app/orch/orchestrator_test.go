package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/app/call"
	"github.com/dkeye/Call/internal/core"
)

type memConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *memConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return errors.New("full")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *memConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *memConn) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames")
	}
	var out map[string]any
	if err := json.Unmarshal(c.frames[len(c.frames)-1], &out); err != nil {
		t.Fatal(err)
	}
	return out
}

type fakeSource struct {
	ch   chan call.Event
	snap call.Snapshot
}

func (s *fakeSource) Subscribe(int) (<-chan call.Event, func()) { return s.ch, func() {} }
func (s *fakeSource) Snapshot() call.Snapshot                    { return s.snap }

func TestHelloSendsSnapshot(t *testing.T) {
	reg := app.NewRegistry()
	conn := &memConn{}
	reg.Bind("w", conn, nil)
	o := New(reg, nil, &fakeSource{snap: call.Snapshot{Status: call.StatusRinging}})

	o.Hello("w")
	got := conn.last(t)
	if got["type"] != "state" {
		t.Fatalf("frame = %v", got)
	}
	snap, _ := got["snapshot"].(map[string]any)
	if snap["status"] != "ringing" {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestRunForwardsEvents(t *testing.T) {
	reg := app.NewRegistry()
	conn := &memConn{}
	reg.Bind("w", conn, nil)
	src := &fakeSource{ch: make(chan call.Event, 1)}
	o := New(reg, nil, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	src.ch <- call.Event{Snapshot: call.Snapshot{Status: call.StatusIdle}, Notice: &call.Notice{Kind: call.NoticeEndedByPeer}}

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.mu.Lock()
		n := len(conn.frames)
		conn.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event not forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	notice, _ := conn.last(t)["notice"].(map[string]any)
	if notice["kind"] != call.NoticeEndedByPeer {
		t.Fatalf("notice = %v", notice)
	}
	cancel()
	<-done
}

func TestSlowWatcherKicked(t *testing.T) {
	reg := app.NewRegistry()
	fast := &memConn{}
	slow := &memConn{full: true}
	reg.Bind("fast", fast, nil)
	reg.Bind("slow", slow, nil)
	o := New(reg, app.SimplePolicy{Tolerance: 1}, &fakeSource{})

	o.OnFrame(core.Frame(`{}`))
	if reg.Count() != 2 {
		t.Fatal("one miss is tolerated")
	}
	o.OnFrame(core.Frame(`{}`))
	if reg.Count() != 1 || !slow.closed {
		t.Fatal("slow watcher should be kicked after repeated misses")
	}
	if fast.closed {
		t.Fatal("fast watcher kicked")
	}
}
