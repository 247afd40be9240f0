package turns

import "time"

type Speaker string

const (
	SpeakerNone      Speaker = ""
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Delta is an incremental, not yet final transcript fragment.
type Delta struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// Buffer accumulates the deltas of the turn a speaker is currently taking.
type Buffer struct {
	Speaker   Speaker
	Text      string
	StartedAt time.Time
	// BargeIn records whether the assistant was audible when this turn began.
	BargeIn bool
}

func (b Buffer) Active() bool { return b.Text != "" }

// Turn is a committed, immutable entry of the session transcript.
type Turn struct {
	Speaker   Speaker        `json:"speaker"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Latency   *time.Duration `json:"latency,omitempty"`
	Duration  *time.Duration `json:"duration,omitempty"`
	IsBargeIn bool           `json:"is_barge_in,omitempty"`
}

type BargeInEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	InterruptedContent string    `json:"interrupted_content"`
	StudentUtterance   string    `json:"student_utterance"`
	InterpretationType string    `json:"interpretation_type"`
}

type Event interface{ isEvent() }

type DeltaEvent struct{ Delta Delta }

// TurnCompleteEvent is the endpoint's explicit end-of-turn signal.
type TurnCompleteEvent struct{ At time.Time }

// AssistantSpeakingEvent mirrors the playback state of assistant audio.
type AssistantSpeakingEvent struct {
	Speaking bool
	At       time.Time
}

func (DeltaEvent) isEvent()             {}
func (TurnCompleteEvent) isEvent()      {}
func (AssistantSpeakingEvent) isEvent() {}

type Effect interface{ isEffect() }

type CommitEffect struct {
	Turn Turn
	// LatencyDropped is set when a measured latency fell outside (0, MaxLatency).
	LatencyDropped bool
}

type BargeInEffect struct{ Event BargeInEvent }

// EndRequestedEffect fires once, when the end-of-session marker first appears
// in assistant text.
type EndRequestedEffect struct{ At time.Time }

func (CommitEffect) isEffect()       {}
func (BargeInEffect) isEffect()      {}
func (EndRequestedEffect) isEffect() {}
