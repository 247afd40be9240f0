package app

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ent0n29/viva/internal/connector"
	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/session"
)

// ReadEventLog parses a JSONL log of inbound endpoint events. Blank lines
// are skipped; the first malformed line aborts with its line number.
func ReadEventLog(r io.Reader) ([]protocol.ServerEvent, error) {
	var events []protocol.ServerEvent
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		ev, err := protocol.ParseEventLine(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// Replay drives a session with recorded events on null devices and returns
// its final history without storing it. The log is terminated with a close event when it does
// not end one itself.
func (l *Launcher) Replay(ctx context.Context, events []protocol.ServerEvent) (session.Final, error) {
	script := append([]protocol.ServerEvent(nil), events...)
	if n := len(script); n == 0 || (script[n-1].Kind != protocol.KindClosed && script[n-1].Kind != protocol.KindError) {
		script = append(script, protocol.ServerEvent{Kind: protocol.KindClosed})
	}

	replay := *l
	replay.transport = connector.NewMockTransport(script...)
	replay.audio = nil
	replay.sink = nil
	replay.log = l.log.WithField("mode", "replay")

	c := replay.NewSession(session.StartRequest{StudentID: "replay"})
	finals := make(chan session.Final, 1)
	c.OnFinal(func(f session.Final) { finals <- f })

	if err := c.Start(ctx); err != nil {
		return session.Final{}, err
	}
	select {
	case <-c.Done():
	case <-ctx.Done():
		_ = c.End()
		<-c.Done()
	}
	select {
	case f := <-finals:
		return f, nil
	default:
		return session.Final{}, fmt.Errorf("replay produced no final history")
	}
}

// PrintFinal writes a human-readable summary of a final history.
func PrintFinal(w io.Writer, f session.Final) {
	fmt.Fprintf(w, "session %s (%s)\n", f.SessionID, f.Outcome)
	for _, t := range f.Turns {
		marker := ""
		if t.IsBargeIn {
			marker = " [barge-in]"
		}
		if t.Latency != nil {
			fmt.Fprintf(w, "  %-9s %s%s (latency %s)\n", t.Speaker+":", t.Text, marker, *t.Latency)
		} else {
			fmt.Fprintf(w, "  %-9s %s%s\n", t.Speaker+":", t.Text, marker)
		}
	}
	fmt.Fprintf(w, "latency: avg=%dms min=%dms max=%dms thinking=%dms ratio=%.2f\n",
		f.Latency.AvgInitialLatency, f.Latency.MinLatency, f.Latency.MaxLatency,
		f.Latency.TotalThinkingTime, f.Latency.TurnTakingRatio)
	fmt.Fprintf(w, "barge-ins: %d\n", len(f.BargeIns))
	fmt.Fprintf(w, "dialogue: initiatives=%d rephrasings=%d follow-up depth=%v q/r ratio=%.2f\n",
		f.Dialogue.TurnInitiatives, f.Dialogue.RephrasingEvents, f.Dialogue.FollowUpDepth, f.Dialogue.QuestionResponseRatio)
	fmt.Fprintf(w, "argument graph: %d nodes, %d edges, coherence=%d complexity=%d\n",
		len(f.Graph.Nodes), len(f.Graph.Edges), f.Graph.CoherenceScore, f.Graph.Complexity)
}
