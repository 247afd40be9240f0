package transcript

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/policy"
)

// Sink delivers a final transcript to storage and, when configured, to the
// scoring queue.
type Sink struct {
	store     Store
	publisher Publisher
	redact    bool
	log       *logrus.Entry
}

func NewSink(store Store, publisher Publisher, redact bool, log *logrus.Entry) *Sink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sink{store: store, publisher: publisher, redact: redact, log: log}
}

// Deliver redacts the record if enabled, saves it, then publishes it.
// Publishing failures do not undo the save.
func (s *Sink) Deliver(ctx context.Context, record Record) (Record, error) {
	if s.redact {
		record = Redact(record)
	}

	var errs []error
	if s.store != nil {
		if err := s.store.Save(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("store transcript: %w", err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("publish transcript: %w", err))
		}
	}

	fields := logrus.Fields{
		"transcript_id": record.ID,
		"session_id":    record.SessionID,
		"turns":         len(record.Turns),
		"outcome":       record.Outcome,
	}
	if err := errors.Join(errs...); err != nil {
		s.log.WithFields(fields).WithError(err).Warn("transcript delivery incomplete")
		return record, err
	}
	s.log.WithFields(fields).Info("transcript delivered")
	return record, nil
}

// Redact returns a copy of record with PII removed from every turn and
// barge-in utterance.
func Redact(record Record) Record {
	out := record
	out.Turns = append(out.Turns[:0:0], record.Turns...)
	for i := range out.Turns {
		text, changed := policy.RedactPII(out.Turns[i].Text)
		if changed {
			out.Turns[i].Text = text
			out.PIIRedacted = true
		}
	}
	out.BargeIns = append(out.BargeIns[:0:0], record.BargeIns...)
	for i := range out.BargeIns {
		if text, changed := policy.RedactPII(out.BargeIns[i].StudentUtterance); changed {
			out.BargeIns[i].StudentUtterance = text
			out.PIIRedacted = true
		}
		if text, changed := policy.RedactPII(out.BargeIns[i].InterruptedContent); changed {
			out.BargeIns[i].InterruptedContent = text
			out.PIIRedacted = true
		}
	}
	out.Graph.Nodes = append(out.Graph.Nodes[:0:0], record.Graph.Nodes...)
	for i := range out.Graph.Nodes {
		if text, changed := policy.RedactPII(out.Graph.Nodes[i].Content); changed {
			out.Graph.Nodes[i].Content = text
			out.PIIRedacted = true
		}
	}
	return out
}
