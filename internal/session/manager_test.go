package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/viva/internal/connector"
)

func newTestController(id string) *Controller {
	return NewController(connector.NewMockTransport(), &fakeSource{}, &fakeOutput{}, Options{
		ID:           id,
		TickInterval: 5 * time.Millisecond,
	})
}

func TestManagerAddGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	c := newTestController("s1")
	if err := m.Add("u1", c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, err := m.Get("s1")
	if err != nil || got != c {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if n := m.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount = %d, want 1", n)
	}

	snap, err := m.End("s1")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if snap.State != StateEnded {
		t.Fatalf("ended state = %q, want %q", snap.State, StateEnded)
	}
	if n := m.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount = %d, want 0", n)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerOneRunningSessionPerStudent(t *testing.T) {
	m := NewManager(time.Minute)
	first := newTestController("s1")
	if err := m.Add("u1", first); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = first.End() })

	if err := m.Add("u1", newTestController("s2")); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Add() error = %v, want ErrAlreadyStarted", err)
	}

	_ = first.End()
	if err := m.Add("u1", newTestController("s3")); err != nil {
		t.Fatalf("Add() after end error = %v", err)
	}
}

func TestManagerJanitorExpiresFinished(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	c := newTestController("s1")
	_ = m.Add("", c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = c.End()

	expired := make(chan Snapshot, 1)
	m.SetExpireHook(func(s Snapshot) { expired <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case s := <-expired:
		if s.ID != "s1" {
			t.Fatalf("expired session = %q, want s1", s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not expired")
	}
	if _, err := m.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestManagerEndAll(t *testing.T) {
	m := NewManager(time.Minute)
	for _, id := range []string{"a", "b"} {
		c := newTestController(id)
		_ = m.Add("", c)
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start(%s) error = %v", id, err)
		}
	}
	if err := m.EndAll(); err != nil {
		t.Fatalf("EndAll() error = %v", err)
	}
	for _, s := range m.List() {
		if s.State != StateEnded {
			t.Fatalf("session %s state = %q, want ended", s.ID, s.State)
		}
	}
}
