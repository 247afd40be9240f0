package analytics

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/viva/internal/turns"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func userTurn(text string, latency *time.Duration) turns.Turn {
	d := time.Duration(len(text)) * 60 * time.Millisecond
	return turns.Turn{Speaker: turns.SpeakerUser, Text: text, Latency: latency, Duration: &d}
}

func TestComputeLatency(t *testing.T) {
	m := ComputeLatency([]time.Duration{ms(500), ms(1200), ms(3000)}, 0, 0)
	if m.AvgInitialLatency != 1567 {
		t.Fatalf("AvgInitialLatency = %d, want 1567", m.AvgInitialLatency)
	}
	if m.MaxLatency != 3000 || m.MinLatency != 500 {
		t.Fatalf("max/min = %d/%d, want 3000/500", m.MaxLatency, m.MinLatency)
	}
	if m.TurnCount != 3 || m.TotalThinkingTime != 4700 {
		t.Fatalf("count/total = %d/%d, want 3/4700", m.TurnCount, m.TotalThinkingTime)
	}
}

func TestComputeLatencyEmpty(t *testing.T) {
	m := ComputeLatency(nil, time.Second, 0)
	if m.MinLatency != 0 || m.MaxLatency != 0 || m.AvgInitialLatency != 0 {
		t.Fatalf("empty metrics = %+v, want zeros", m)
	}
	if m.TurnTakingRatio != 0 {
		t.Fatalf("TurnTakingRatio = %v, want 0 with no assistant speech", m.TurnTakingRatio)
	}
}

func TestObserveFiltersUnreliableLatency(t *testing.T) {
	a := NewAggregator(60 * time.Second)
	for _, l := range []time.Duration{ms(61000), ms(-50), ms(59999), 0} {
		a.Observe(userTurn("an answer", &l))
	}
	if a.Dropped() != 3 {
		t.Fatalf("Dropped() = %d, want 3", a.Dropped())
	}
	m := a.Latency()
	if m.TurnCount != 1 || m.MaxLatency != 59999 || m.MinLatency != 59999 {
		t.Fatalf("latency = %+v, want one 59999ms sample", m)
	}
}

func TestTurnTakingRatio(t *testing.T) {
	a := NewAggregator(0)
	a.Observe(userTurn("0123456789", nil)) // 600ms
	a.SetAssistantSpeaking(1200 * time.Millisecond)
	if got := a.Latency().TurnTakingRatio; got != 0.5 {
		t.Fatalf("TurnTakingRatio = %v, want 0.5", got)
	}
}

func TestObserveUserTurnUpdatesDialogue(t *testing.T) {
	a := NewAggregator(0)
	a.Observe(turns.Turn{Speaker: turns.SpeakerAssistant, Text: "What is a derivative?"})
	l1, l2 := ms(1000), ms(3000)
	a.Observe(userTurn("It is the rate of change of a function", &l1))
	a.Observe(turns.Turn{Speaker: turns.SpeakerAssistant, Text: "Can you give an example?"})
	a.Observe(userTurn("In other words, the slope of the tangent line", &l2))

	d := a.Dialogue()
	if d.RephrasingEvents != 1 {
		t.Fatalf("RephrasingEvents = %d, want 1", d.RephrasingEvents)
	}
	if len(d.FollowUpDepth) != 2 || d.FollowUpDepth[0] != 9 || d.FollowUpDepth[1] != 9 {
		t.Fatalf("FollowUpDepth = %v, want [9 9]", d.FollowUpDepth)
	}
	if d.AvgFollowUpDepth != 9 {
		t.Fatalf("AvgFollowUpDepth = %v, want 9", d.AvgFollowUpDepth)
	}
	if d.QuestionResponseRatio != 1 {
		t.Fatalf("QuestionResponseRatio = %v, want 1", d.QuestionResponseRatio)
	}
	if d.LatencyVariation != 1000 {
		t.Fatalf("LatencyVariation = %v, want 1000", d.LatencyVariation)
	}
	if got := a.Latency(); got.AvgInitialLatency != 2000 || got.TurnCount != 2 {
		t.Fatalf("latency = %+v", got)
	}

	d.FollowUpDepth[0] = 99
	if a.Dialogue().FollowUpDepth[0] == 99 {
		t.Fatalf("Dialogue() shares its slice")
	}
}

func TestIsRephrasing(t *testing.T) {
	prev := "the function grows faster than linear"
	if !IsRephrasing("the function grows faster than any linear one", prev) {
		t.Fatalf("high overlap not detected")
	}
	if IsRephrasing("The function grows faster than linear.", prev) {
		t.Fatalf("identical text counted as rephrasing")
	}
	if IsRephrasing("completely unrelated answer here", prev) {
		t.Fatalf("low overlap counted as rephrasing")
	}
	if !IsRephrasing("let me rephrase that", "") {
		t.Fatalf("explicit marker not detected")
	}
}

func TestIsInitiative(t *testing.T) {
	if !IsInitiative("I'd like to add something about entropy", 7, true) {
		t.Fatalf("topic introduction not detected")
	}
	long := strings.Repeat("word ", 40)
	if !IsInitiative(long, 40, false) {
		t.Fatalf("unsolicited elaboration not detected")
	}
	if IsInitiative(long, 40, true) {
		t.Fatalf("answer to a question counted as initiative")
	}
}

func TestStddev(t *testing.T) {
	got := stddevMs([]time.Duration{ms(2), ms(4), ms(4), ms(4), ms(5), ms(5), ms(7), ms(9)})
	if math.Abs(got-2) > 1e-9 {
		t.Fatalf("stddev = %v, want 2", got)
	}
}
