package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies inbound events from the dialogue endpoint.
type EventKind string

const (
	KindAudioChunk          EventKind = "audio_chunk"
	KindInputTranscription  EventKind = "input_transcription"
	KindOutputTranscription EventKind = "output_transcription"
	KindTurnComplete        EventKind = "turn_complete"
	KindInterrupted         EventKind = "interrupted"
	KindClosed              EventKind = "closed"
	KindError               EventKind = "error"
)

// MessageType identifies websocket payloads exchanged with local clients.
type MessageType string

const (
	TypeClientControl   MessageType = "client_control"
	TypeSessionSnapshot MessageType = "session_snapshot"
	TypeTurnCommitted   MessageType = "turn_committed"
	TypeBargeIn         MessageType = "barge_in"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidEvent    = errors.New("invalid event")
)

// ServerEvent is one demultiplexed inbound event. Only the fields relevant
// to Kind are set.
type ServerEvent struct {
	Kind        EventKind `json:"type"`
	AudioBase64 string    `json:"audio_base64,omitempty"`
	MIMEType    string    `json:"mime_type,omitempty"`
	Text        string    `json:"text,omitempty"`
	Finished    bool      `json:"finished,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	TSMs        int64     `json:"ts_ms,omitempty"`

	Err error `json:"-"`
}

// At returns the event time, or fallback when the event carries none.
func (e ServerEvent) At(fallback time.Time) time.Time {
	if e.TSMs <= 0 {
		return fallback
	}
	return time.UnixMilli(e.TSMs)
}

// MediaChunk is one outbound block of encoded capture audio.
type MediaChunk struct {
	Seq        int
	SampleRate int
	PCM        []byte
}

func (c MediaChunk) MIMEType() string {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParseEventLine decodes one recorded inbound event, as written to a JSONL
// session log.
func ParseEventLine(raw []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("invalid event line: %w", err)
	}

	switch ev.Kind {
	case KindAudioChunk:
		if ev.AudioBase64 == "" {
			return ServerEvent{}, fmt.Errorf("%w: audio_chunk without audio", ErrInvalidEvent)
		}
	case KindInputTranscription, KindOutputTranscription:
		if strings.TrimSpace(ev.Text) == "" && !ev.Finished {
			return ServerEvent{}, fmt.Errorf("%w: empty %s", ErrInvalidEvent, ev.Kind)
		}
	case KindTurnComplete, KindInterrupted, KindClosed:
	case KindError:
		ev.Err = errors.New(ev.Detail)
	default:
		return ServerEvent{}, ErrUnsupportedType
	}
	return ev, nil
}

// EncodeEventLine is the inverse of ParseEventLine.
func EncodeEventLine(ev ServerEvent) ([]byte, error) {
	if ev.Kind == KindError && ev.Detail == "" && ev.Err != nil {
		ev.Detail = ev.Err.Error()
	}
	return json.Marshal(ev)
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type TurnCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Speaker   string      `json:"speaker"`
	Text      string      `json:"text"`
	LatencyMs *int64      `json:"latency_ms,omitempty"`
	IsBargeIn bool        `json:"is_barge_in,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type BargeIn struct {
	Type               MessageType `json:"type"`
	SessionID          string      `json:"session_id"`
	InterruptedContent string      `json:"interrupted_content"`
	StudentUtterance   string      `json:"student_utterance"`
	InterpretationType string      `json:"interpretation_type"`
	TSMs               int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Category  string      `json:"category"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
