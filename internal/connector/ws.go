package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/viva/internal/protocol"
)

const defaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

var ErrSetupRejected = errors.New("live setup rejected")

// WSTransport speaks the Live JSON protocol directly over a websocket.
type WSTransport struct {
	URL    string
	APIKey string
	Dialer *websocket.Dialer
}

func NewWSTransport(baseURL, apiKey string) *WSTransport {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultLiveURL
	}
	return &WSTransport{URL: baseURL, APIKey: apiKey, Dialer: websocket.DefaultDialer}
}

func (t *WSTransport) Dial(ctx context.Context, cfg Config) (Stream, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, err
	}
	if t.APIKey != "" {
		q := u.Query()
		q.Set("key", t.APIKey)
		u.RawQuery = q.Encode()
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial live websocket: %w", err)
	}

	// Reads below do not observe ctx, so closing the socket is how setup gets abandoned.
	setupDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-setupDone:
		}
	}()
	defer close(setupDone)

	if err := conn.WriteJSON(protocol.LiveClientMessage{Setup: liveSetup(cfg)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send live setup: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrSetupRejected, err)
		}
		msg, _, err := protocol.DecodeLiveServerMessage(data)
		if err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			break
		}
	}
	return &wsStream{conn: conn}, nil
}

func liveSetup(cfg Config) *protocol.LiveSetup {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	setup := &protocol.LiveSetup{
		Model: model,
		GenerationConfig: protocol.LiveGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		RealtimeInputConfig: &protocol.LiveRealtimeInputConfig{
			AutomaticActivityDetection: &protocol.LiveActivityDetection{
				StartOfSpeechSensitivity: "START_SENSITIVITY_" + string(cfg.StartSensitivity),
				EndOfSpeechSensitivity:   "END_SENSITIVITY_" + string(cfg.EndSensitivity),
				PrefixPaddingMs:          int(cfg.PrefixPadding.Milliseconds()),
				SilenceDurationMs:        int(cfg.SilenceDuration.Milliseconds()),
			},
			ActivityHandling: activityHandling(cfg.Interruptible),
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.VoiceName != "" {
		speech := &protocol.LiveSpeechConfig{}
		speech.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.VoiceName
		setup.GenerationConfig.SpeechConfig = speech
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		setup.SystemInstruction = &protocol.LiveContent{Parts: []protocol.LivePart{{Text: cfg.SystemInstruction}}}
	}
	return setup
}

func activityHandling(interruptible bool) string {
	if interruptible {
		return "START_OF_ACTIVITY_INTERRUPTS"
	}
	return "NO_INTERRUPTION"
}

type wsStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsStream) Send(chunk protocol.MediaChunk) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(protocol.RealtimeAudio(chunk))
}

func (s *wsStream) Recv() ([]protocol.ServerEvent, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, events, err := protocol.DecodeLiveServerMessage(data)
		if err != nil {
			continue
		}
		if msg.GoAway != nil && len(events) == 0 {
			continue
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
