package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/viva/internal/config"
	"github.com/ent0n29/viva/internal/connector"
	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/session"
	"github.com/ent0n29/viva/internal/transcript"
)

func testConfig() config.Config {
	return config.Config{
		LiveTransport:     "genai",
		LiveModel:         "test-model",
		VoiceName:         "Puck",
		StartSensitivity:  "HIGH",
		EndSensitivity:    "LOW",
		PrefixPadding:     100 * time.Millisecond,
		SilenceDuration:   800 * time.Millisecond,
		Interruptible:     true,
		AudioDevice:       "null",
		InputRate:         16000,
		OutputRate:        24000,
		CalibrationFrames: 10,
		NoiseMultiplier:   3,
		ReleaseFrames:     8,
		MaxLatency:        time.Minute,
		EndMarker:         "[[END_SESSION]]",
		RedactPII:         true,
	}
}

const eventLog = `
{"type":"output_transcription","text":"Why is the sky blue?","ts_ms":1000}
{"type":"turn_complete","ts_ms":2000}
{"type":"input_transcription","text":"Because of Rayleigh scattering, mail me at ana@example.com.","ts_ms":3500}
{"type":"turn_complete","ts_ms":5000}
`

func TestReadEventLog(t *testing.T) {
	events, err := ReadEventLog(strings.NewReader(eventLog))
	if err != nil {
		t.Fatalf("ReadEventLog() error = %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	if events[0].Kind != protocol.KindOutputTranscription || events[3].Kind != protocol.KindTurnComplete {
		t.Fatalf("unexpected kinds: %q ... %q", events[0].Kind, events[3].Kind)
	}

	_, err = ReadEventLog(strings.NewReader("{\"type\":\"turn_complete\"}\n{\"type\":\"bogus\"}\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("ReadEventLog(bad) error = %v, want line 2", err)
	}
	if !errors.Is(err, protocol.ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestReplayProducesFinalHistory(t *testing.T) {
	events, err := ReadEventLog(strings.NewReader(eventLog))
	if err != nil {
		t.Fatalf("ReadEventLog() error = %v", err)
	}
	l := NewLauncher(testConfig(), nil, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := l.Replay(ctx, events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if final.Outcome != session.OutcomeServerClose {
		t.Fatalf("outcome = %q, want %q", final.Outcome, session.OutcomeServerClose)
	}
	if len(final.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(final.Turns))
	}
	user := final.Turns[1]
	if user.Latency == nil || *user.Latency != 3*time.Second {
		t.Fatalf("user latency = %v, want 3s", user.Latency)
	}
	if final.PIIRedacted {
		t.Fatalf("replay output should not be redacted")
	}

	var out bytes.Buffer
	PrintFinal(&out, final)
	for _, want := range []string{"Why is the sky blue?", "latency 3s", "argument graph: 2 nodes"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("summary missing %q:\n%s", want, out.String())
		}
	}
}

func TestLauncherDeliversFinalToSink(t *testing.T) {
	store := transcript.NewInMemoryStore()
	sink := transcript.NewSink(store, nil, true, nil)
	mt := connector.NewMockTransport(
		protocol.ServerEvent{Kind: protocol.KindOutputTranscription, Text: "State your name.", TSMs: 1000},
		protocol.ServerEvent{Kind: protocol.KindTurnComplete, TSMs: 1500},
		protocol.ServerEvent{Kind: protocol.KindInputTranscription, Text: "Reach me at 555-123-4567.", TSMs: 2500},
		protocol.ServerEvent{Kind: protocol.KindTurnComplete, TSMs: 3000},
	)
	l := NewLauncher(testConfig(), mt, nil, sink, nil, nil)
	if got := l.DeviceMode(); got != "null" {
		t.Fatalf("DeviceMode() = %q, want null", got)
	}

	c := l.NewSession(session.StartRequest{StudentID: "s-1"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Snapshot().Turns) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	<-c.Done()

	records, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("stored records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.SessionID != c.ID() || !rec.PIIRedacted {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Turns) != 2 || strings.Contains(rec.Turns[1].Text, "555-123-4567") {
		t.Fatalf("turns not redacted: %+v", rec.Turns)
	}
}

func TestLauncherOptions(t *testing.T) {
	cfg := testConfig()
	cfg.RecordDir = t.TempDir()
	cfg.SystemInstruction = "default examiner"
	l := NewLauncher(cfg, nil, nil, nil, nil, nil)

	opts := l.options("abc", session.StartRequest{VoiceName: "Kore"})
	if opts.Connector.VoiceName != "Kore" {
		t.Fatalf("VoiceName = %q, want request override", opts.Connector.VoiceName)
	}
	if opts.Connector.SystemInstruction != "default examiner" {
		t.Fatalf("SystemInstruction = %q", opts.Connector.SystemInstruction)
	}
	if opts.Connector.EndSensitivity != connector.SensitivityLow {
		t.Fatalf("EndSensitivity = %q, want LOW", opts.Connector.EndSensitivity)
	}
	if want := filepath.Join(cfg.RecordDir, "abc.wav"); opts.RecordPath != want {
		t.Fatalf("RecordPath = %q, want %q", opts.RecordPath, want)
	}
	if opts.Processor.TargetRate != 16000 || opts.Processor.CalibrationFrames != 10 {
		t.Fatalf("processor = %+v", opts.Processor)
	}
	if opts.Turns.MaxLatency != time.Minute {
		t.Fatalf("MaxLatency = %v", opts.Turns.MaxLatency)
	}
}

func TestNewTransport(t *testing.T) {
	cfg := testConfig()
	if _, err := newTransport(cfg); err != nil {
		t.Fatalf("genai transport error = %v", err)
	}
	cfg.LiveTransport = "ws"
	if _, err := newTransport(cfg); err == nil {
		t.Fatalf("ws transport without key or URL error = nil")
	}
	cfg.GeminiAPIKey = "k"
	if _, err := newTransport(cfg); err != nil {
		t.Fatalf("ws transport error = %v", err)
	}
}
