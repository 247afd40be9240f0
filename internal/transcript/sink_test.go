package transcript

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/viva/internal/turns"
)

type fakePublisher struct {
	published []Record
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, r Record) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, r)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestSinkDeliverRedactsAndPublishes(t *testing.T) {
	store := NewInMemoryStore()
	pub := &fakePublisher{}
	sink := NewSink(store, pub, true, nil)

	rec := sampleRecord("r1", time.Now().UTC())
	rec.Turns = append(rec.Turns, turns.Turn{Speaker: turns.SpeakerUser, Text: "mail me at ada@example.com"})

	out, err := sink.Deliver(context.Background(), rec)
	if err != nil {
		t.Fatalf("Deliver error = %v", err)
	}
	if !out.PIIRedacted {
		t.Fatalf("PIIRedacted = false, want true")
	}
	if strings.Contains(out.Turns[2].Text, "ada@example.com") {
		t.Fatalf("turn text not redacted: %q", out.Turns[2].Text)
	}
	if rec.Turns[2].Text != "mail me at ada@example.com" {
		t.Fatalf("input record mutated: %q", rec.Turns[2].Text)
	}

	saved, err := store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if !saved.PIIRedacted {
		t.Fatalf("stored record not redacted")
	}
	if len(pub.published) != 1 || pub.published[0].ID != "r1" {
		t.Fatalf("published = %+v", pub.published)
	}
}

func TestSinkDeliverKeepsStoreOnPublishFailure(t *testing.T) {
	store := NewInMemoryStore()
	pub := &fakePublisher{err: errors.New("queue down")}
	sink := NewSink(store, pub, false, nil)

	_, err := sink.Deliver(context.Background(), sampleRecord("r2", time.Now().UTC()))
	if err == nil || !strings.Contains(err.Error(), "queue down") {
		t.Fatalf("Deliver error = %v, want publish failure", err)
	}
	if _, err := store.Get(context.Background(), "r2"); err != nil {
		t.Fatalf("record not stored after publish failure: %v", err)
	}
}

func TestRedactWithoutPII(t *testing.T) {
	rec := sampleRecord("r3", time.Now().UTC())
	out := Redact(rec)
	if out.PIIRedacted {
		t.Fatalf("PIIRedacted = true for clean record")
	}
	if out.Turns[0].Text != rec.Turns[0].Text {
		t.Fatalf("clean text changed: %q", out.Turns[0].Text)
	}
}
