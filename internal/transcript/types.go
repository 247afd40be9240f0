package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/viva/internal/analytics"
	"github.com/ent0n29/viva/internal/argument"
	"github.com/ent0n29/viva/internal/turns"
)

var ErrNotFound = errors.New("transcript not found")

// Record is the final history of one session as handed to downstream
// scoring and storage.
type Record struct {
	ID          string                    `json:"id"`
	SessionID   string                    `json:"session_id"`
	Outcome     string                    `json:"outcome"`
	StartedAt   time.Time                 `json:"started_at"`
	EndedAt     time.Time                 `json:"ended_at"`
	Turns       []turns.Turn              `json:"turns"`
	BargeIns    []turns.BargeInEvent      `json:"barge_ins"`
	Latency     analytics.LatencyMetrics  `json:"latency"`
	Dialogue    analytics.DialogueMetrics `json:"dialogue"`
	Graph       argument.Graph            `json:"argument_graph"`
	PIIRedacted bool                      `json:"pii_redacted"`
}

// Store persists final session transcripts.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Publisher hands a finished transcript to an asynchronous consumer.
type Publisher interface {
	Publish(ctx context.Context, record Record) error
	Close() error
}
