package analytics

import (
	"regexp"
	"strings"
	"time"

	"github.com/ent0n29/viva/internal/turns"
)

type DialogueMetrics struct {
	TurnInitiatives       int     `json:"turn_initiatives"`
	RephrasingEvents      int     `json:"rephrasing_events"`
	FollowUpDepth         []int   `json:"follow_up_depth"`
	AvgFollowUpDepth      float64 `json:"avg_follow_up_depth"`
	LatencyVariation      float64 `json:"latency_variation_ms"`
	QuestionResponseRatio float64 `json:"question_response_ratio"`
}

const (
	rephraseOverlap   = 0.4
	elaborationWords  = 40
	defaultMaxLatency = 60 * time.Second
)

var (
	rephraseMarker = regexp.MustCompile(`(?i)\b(in other words|what i mean is|what i meant|let me rephrase|to put it another way|that is to say|i mean)\b`)
	topicMarker    = regexp.MustCompile(`(?i)\b(i'?d like to (add|discuss|talk about|mention)|i would like to (add|discuss|talk about|mention)|another (point|thing|aspect)|what about|let me (add|bring up|introduce)|on a related note|moving on to|i also want)\b`)
	wordPattern    = regexp.MustCompile(`[\p{L}\p{N}']+`)
)

// Aggregator derives session metrics from committed turns. It is owned by the
// session event loop and not safe for concurrent use.
type Aggregator struct {
	maxLatency time.Duration

	samples           []time.Duration
	dropped           int
	userSpeaking      time.Duration
	assistantSpeaking time.Duration

	userTurns          int
	assistantQuestions int
	prevUserText       string
	prevAssistantAsked bool

	latency  LatencyMetrics
	dialogue DialogueMetrics
}

func NewAggregator(maxLatency time.Duration) *Aggregator {
	if maxLatency <= 0 {
		maxLatency = defaultMaxLatency
	}
	return &Aggregator{maxLatency: maxLatency}
}

func (a *Aggregator) recordLatency(l time.Duration) {
	if !AcceptLatency(l, a.maxLatency) {
		a.dropped++
		return
	}
	a.samples = append(a.samples, l)
}

// DropLatency counts a sample rejected upstream.
func (a *Aggregator) DropLatency() { a.dropped++ }

// SetAssistantSpeaking updates total assistant audio time for the turn-taking ratio.
func (a *Aggregator) SetAssistantSpeaking(total time.Duration) {
	a.assistantSpeaking = total
	a.recompute()
}

func (a *Aggregator) Observe(t turns.Turn) {
	switch t.Speaker {
	case turns.SpeakerUser:
		a.observeUser(t)
	case turns.SpeakerAssistant:
		a.observeAssistant(t.Text)
	}
}

func (a *Aggregator) observeAssistant(text string) {
	asked := strings.Contains(text, "?")
	if asked {
		a.assistantQuestions++
	}
	a.prevAssistantAsked = asked
	a.updateRatio()
}

func (a *Aggregator) observeUser(t turns.Turn) {
	a.userTurns++
	if t.Duration != nil {
		a.userSpeaking += *t.Duration
	}
	if t.Latency != nil {
		a.recordLatency(*t.Latency)
	}

	words := tokens(t.Text)
	if IsInitiative(t.Text, len(words), a.prevAssistantAsked) {
		a.dialogue.TurnInitiatives++
	}
	if IsRephrasing(t.Text, a.prevUserText) {
		a.dialogue.RephrasingEvents++
	}
	a.dialogue.FollowUpDepth = append(a.dialogue.FollowUpDepth, len(words))
	var total int
	for _, d := range a.dialogue.FollowUpDepth {
		total += d
	}
	a.dialogue.AvgFollowUpDepth = float64(total) / float64(len(a.dialogue.FollowUpDepth))
	a.prevUserText = t.Text
	a.prevAssistantAsked = false

	a.updateRatio()
	a.recompute()
}

func (a *Aggregator) updateRatio() {
	if a.assistantQuestions == 0 {
		a.dialogue.QuestionResponseRatio = 0
		return
	}
	a.dialogue.QuestionResponseRatio = float64(a.userTurns) / float64(a.assistantQuestions)
}

func (a *Aggregator) recompute() {
	a.latency = ComputeLatency(a.samples, a.userSpeaking, a.assistantSpeaking)
	a.dialogue.LatencyVariation = stddevMs(a.samples)
}

func (a *Aggregator) Latency() LatencyMetrics { return a.latency }

func (a *Aggregator) Dialogue() DialogueMetrics {
	out := a.dialogue
	out.FollowUpDepth = append([]int(nil), a.dialogue.FollowUpDepth...)
	return out
}

func (a *Aggregator) Dropped() int { return a.dropped }

// IsRephrasing reports an explicit rephrasing marker, or more than 40% token
// overlap with the previous user turn when the two are not identical.
func IsRephrasing(text, previous string) bool {
	if rephraseMarker.MatchString(text) {
		return true
	}
	if previous == "" {
		return false
	}
	cur, prev := tokens(text), tokens(previous)
	if strings.Join(cur, " ") == strings.Join(prev, " ") {
		return false
	}
	return jaccard(cur, prev) > rephraseOverlap
}

// IsInitiative reports explicit topic introduction, or a long elaboration
// that was not prompted by a question.
func IsInitiative(text string, wordCount int, promptedByQuestion bool) bool {
	if topicMarker.MatchString(text) {
		return true
	}
	return wordCount >= elaborationWords && !promptedByQuestion
}

func tokens(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, w := range a {
		set[w] |= 1
	}
	for _, w := range b {
		set[w] |= 2
	}
	var inter int
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}
