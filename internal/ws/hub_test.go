package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	got    []string
	fail   bool
	closed bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.got = append(r.got, string(p))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubRoutesByProject(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	all := &recordingSubscriber{}
	hub.Register("proj-a", a)
	hub.Register("proj-b", b)
	hub.Register(AllProjects, all)

	hub.Broadcast("proj-a", []byte("one"))
	hub.Broadcast("proj-b", []byte("two"))

	waitFor(t, func() bool { return len(all.messages()) == 2 })
	if got := a.messages(); len(got) != 1 || got[0] != "one" {
		t.Fatalf("unexpected messages for a: %v", got)
	}
	if got := b.messages(); len(got) != 1 || got[0] != "two" {
		t.Fatalf("unexpected messages for b: %v", got)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := &recordingSubscriber{fail: true}
	hub.Register("proj", bad)
	if n := hub.Subscribers("proj"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	hub.Broadcast("proj", []byte("x"))
	waitFor(t, func() bool { return hub.Subscribers("proj") == 0 })
	bad.mu.Lock()
	defer bad.mu.Unlock()
	if !bad.closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := &recordingSubscriber{}
	hub.Register("proj", sub)
	hub.Unregister("proj", sub)
	if n := hub.Subscribers("proj"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("proj", sub)
	hub.Close()
	hub.Close()
	hub.Broadcast("proj", []byte("late"))
	if len(sub.messages()) != 0 {
		t.Fatalf("expected no delivery after close")
	}
	if !sub.closed {
		t.Fatalf("expected subscriber closed on hub shutdown")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	c := NewSSEClient(rec, rec, logger)

	if err := c.SendEvent("history", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("send event: %v", err)
	}
	if err := c.Send([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: history\ndata: {\"a\":1}\n\n", "data: {\"b\":2}\n\n", ": ping\n\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in %q", want, body)
		}
	}
	c.Close()
	if err := c.Send([]byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
