package turns

import (
	"strings"
	"time"
	"unicode/utf8"
)

const DefaultEndMarker = "[[END_SESSION]]"

type Config struct {
	EndMarker string
	// CharDuration estimates user speaking time per transcribed character.
	// Transcripts carry no audio timing, so committed durations are estimates.
	CharDuration time.Duration
	MaxLatency   time.Duration
	Interpreter  Interpreter
}

func DefaultConfig() Config {
	return Config{
		EndMarker:    DefaultEndMarker,
		CharDuration: 60 * time.Millisecond,
		MaxLatency:   60 * time.Second,
		Interpreter:  KeywordInterpreter{},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EndMarker == "" {
		c.EndMarker = def.EndMarker
	}
	if c.CharDuration <= 0 {
		c.CharDuration = def.CharDuration
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = def.MaxLatency
	}
	if c.Interpreter == nil {
		c.Interpreter = def.Interpreter
	}
	return c
}

// State is everything the turn logic needs between events.
type State struct {
	User      Buffer
	Assistant Buffer

	LastSpeaker Speaker
	// LastTurnEnd is the commit time of the latest assistant turn; zero until one commits.
	LastTurnEnd  time.Time
	LastCommitAt time.Time

	AssistantSpeaking bool
	LastAssistantText string
	EndRequested      bool
}

func (s State) buffer(sp Speaker) Buffer {
	if sp == SpeakerUser {
		return s.User
	}
	return s.Assistant
}

func (s *State) setBuffer(b Buffer) {
	if b.Speaker == SpeakerUser {
		s.User = b
		return
	}
	s.Assistant = b
}

// Transition applies one event and returns the next state with the effects
// it produced, in order. It does not mutate its input.
func Transition(cfg Config, s State, ev Event) (State, []Effect) {
	cfg = cfg.withDefaults()
	switch e := ev.(type) {
	case DeltaEvent:
		return onDelta(cfg, s, e.Delta)
	case TurnCompleteEvent:
		return onTurnComplete(cfg, s, e.At)
	case AssistantSpeakingEvent:
		s.AssistantSpeaking = e.Speaking
		return s, nil
	default:
		return s, nil
	}
}

func onDelta(cfg Config, s State, d Delta) (State, []Effect) {
	if d.Speaker != SpeakerUser && d.Speaker != SpeakerAssistant {
		return s, nil
	}
	if strings.TrimSpace(d.Text) == "" {
		// Whitespace only matters as a separator inside a running turn.
		if d.Speaker == s.LastSpeaker && s.buffer(d.Speaker).Active() {
			b := s.buffer(d.Speaker)
			b.Text += d.Text
			s.setBuffer(b)
		}
		return s, nil
	}

	var effects []Effect
	if d.Speaker != s.LastSpeaker && s.LastSpeaker != SpeakerNone {
		var eff []Effect
		s, eff = commit(cfg, s, s.LastSpeaker, d.At)
		effects = append(effects, eff...)
	}

	b := s.buffer(d.Speaker)
	if !b.Active() {
		b = Buffer{Speaker: d.Speaker, StartedAt: d.At}
		if d.Speaker == SpeakerUser && s.AssistantSpeaking {
			b.BargeIn = true
			effects = append(effects, BargeInEffect{Event: BargeInEvent{
				Timestamp:          d.At,
				InterruptedContent: s.LastAssistantText,
				StudentUtterance:   collapse(d.Text),
				InterpretationType: string(cfg.Interpreter.Interpret(d.Text)),
			}})
		}
	}
	b.Text += d.Text
	s.setBuffer(b)
	s.LastSpeaker = d.Speaker

	if d.Speaker == SpeakerAssistant && !s.EndRequested && strings.Contains(b.Text, cfg.EndMarker) {
		s.EndRequested = true
		effects = append(effects, EndRequestedEffect{At: d.At})
	}
	return s, effects
}

func onTurnComplete(cfg Config, s State, at time.Time) (State, []Effect) {
	order := []Speaker{SpeakerUser, SpeakerAssistant}
	if s.User.Active() && s.Assistant.Active() && s.Assistant.StartedAt.Before(s.User.StartedAt) {
		order = []Speaker{SpeakerAssistant, SpeakerUser}
	}
	var effects []Effect
	for _, sp := range order {
		var eff []Effect
		s, eff = commit(cfg, s, sp, at)
		effects = append(effects, eff...)
	}
	s.LastSpeaker = SpeakerNone
	return s, effects
}

func commit(cfg Config, s State, sp Speaker, at time.Time) (State, []Effect) {
	b := s.buffer(sp)
	s.setBuffer(Buffer{Speaker: sp})
	if !b.Active() {
		return s, nil
	}
	text := collapse(strings.ReplaceAll(b.Text, cfg.EndMarker, " "))
	if text == "" {
		return s, nil
	}

	ts := at
	if ts.Before(s.LastCommitAt) {
		ts = s.LastCommitAt
	}
	s.LastCommitAt = ts

	turn := Turn{Speaker: sp, Text: text, Timestamp: ts}
	eff := CommitEffect{}
	if sp == SpeakerAssistant {
		s.LastTurnEnd = ts
		s.LastAssistantText = text
		eff.Turn = turn
		return s, []Effect{eff}
	}

	if !s.LastTurnEnd.IsZero() {
		latency := ts.Sub(s.LastTurnEnd)
		if latency > 0 && latency < cfg.MaxLatency {
			turn.Latency = &latency
		} else {
			eff.LatencyDropped = true
		}
	}
	duration := time.Duration(utf8.RuneCountInString(text)) * cfg.CharDuration
	turn.Duration = &duration
	turn.IsBargeIn = b.BargeIn
	eff.Turn = turn
	return s, []Effect{eff}
}

// Preview returns the partial text of a speaker's running turn as it would
// be committed right now.
func (s State) Preview(cfg Config, sp Speaker) string {
	cfg = cfg.withDefaults()
	return collapse(strings.ReplaceAll(s.buffer(sp).Text, cfg.EndMarker, " "))
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Machine owns a State and the append-only history built from its effects.
// It is not safe for concurrent use.
type Machine struct {
	cfg      Config
	state    State
	history  []Turn
	bargeIns []BargeInEvent
}

func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg.withDefaults()}
}

func (m *Machine) Apply(ev Event) []Effect {
	next, effects := Transition(m.cfg, m.state, ev)
	m.state = next
	for _, eff := range effects {
		switch e := eff.(type) {
		case CommitEffect:
			m.history = append(m.history, e.Turn)
		case BargeInEffect:
			m.bargeIns = append(m.bargeIns, e.Event)
		}
	}
	return effects
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Preview(sp Speaker) string { return m.state.Preview(m.cfg, sp) }

func (m *Machine) History() []Turn {
	out := make([]Turn, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) BargeIns() []BargeInEvent {
	out := make([]BargeInEvent, len(m.bargeIns))
	copy(out, m.bargeIns)
	return out
}
