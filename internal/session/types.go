package session

import (
	"errors"
	"time"

	"github.com/ent0n29/viva/internal/analytics"
	"github.com/ent0n29/viva/internal/argument"
	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/playback"
	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/reliability"
	"github.com/ent0n29/viva/internal/transcript"
	"github.com/ent0n29/viva/internal/turns"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateEnded      State = "ended"
	StateError      State = "error"
)

// Terminal reports whether the session can no longer change.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// Outcomes recorded on the final transcript.
const (
	OutcomeCompleted   = "completed"
	OutcomeEndedByUser = "ended_by_user"
	OutcomeServerClose = "server_closed"
	OutcomeError       = "error"
)

var (
	// ErrPermission means the capture or output device could not be opened.
	ErrPermission     = reliability.Tag(reliability.CategoryPermission, errors.New("microphone or speaker unavailable"))
	ErrAlreadyStarted = errors.New("session already started")
	ErrCaptureEnded   = reliability.Tag(reliability.CategoryCapture, errors.New("capture stream ended"))
	ErrNotFound       = errors.New("session not found")
	// ErrEndedDuringSetup is returned by Start when End interrupted setup.
	ErrEndedDuringSetup = errors.New("session ended during setup")
)

// Source produces mono capture frames. Open may be called again after Close.
type Source interface {
	Open() (frames <-chan audio.Frame, nativeRate int, err error)
	Close() error
}

// Output is the device assistant audio plays on. Start resumes a suspended
// device before first use.
type Output interface {
	playback.Clock
	playback.Sink
	Start() error
	Close() error
}

// Final is the history handed to OnFinal callbacks once per session.
type Final = transcript.Record

type Partial struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Snapshot is a read-only copy of session state for collaborators.
type Snapshot struct {
	ID                string                    `json:"session_id"`
	State             State                     `json:"state"`
	Error             string                    `json:"error,omitempty"`
	ErrorCategory     reliability.Category      `json:"error_category,omitempty"`
	StartedAt         time.Time                 `json:"started_at"`
	EndedAt           time.Time                 `json:"ended_at"`
	Turns             []turns.Turn              `json:"turns"`
	Partial           Partial                   `json:"partial"`
	Latency           analytics.LatencyMetrics  `json:"latency"`
	BargeIns          []turns.BargeInEvent      `json:"barge_ins"`
	Dialogue          analytics.DialogueMetrics `json:"dialogue"`
	Graph             argument.Graph            `json:"argument_graph"`
	Level             int                       `json:"level"`
	Speaking          bool                      `json:"speaking"`
	AssistantSpeaking bool                      `json:"assistant_speaking"`
	Calibration       audio.NoiseCalibration    `json:"calibration"`
	DroppedLatencies  int                       `json:"dropped_latencies"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Turns = append([]turns.Turn(nil), s.Turns...)
	out.BargeIns = append([]turns.BargeInEvent(nil), s.BargeIns...)
	out.Dialogue.FollowUpDepth = append([]int(nil), s.Dialogue.FollowUpDepth...)
	out.Graph.Nodes = append([]argument.Node(nil), s.Graph.Nodes...)
	out.Graph.Edges = append([]argument.Edge(nil), s.Graph.Edges...)
	return out
}

// Notification is pushed to subscribers as the session changes. Payload is
// a Snapshot for session_snapshot and the matching protocol struct otherwise.
type Notification struct {
	Type    protocol.MessageType
	Payload any
}

// StartRequest is the payload for starting a session over the API.
type StartRequest struct {
	StudentID         string `json:"student_id"`
	SystemInstruction string `json:"system_instruction"`
	VoiceName         string `json:"voice_name"`
	RecordPath        string `json:"record_path"`
}

// StartResponse returns created session metadata.
type StartResponse struct {
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}
