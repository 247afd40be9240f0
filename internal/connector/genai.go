package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ent0n29/viva/internal/protocol"
)

// GenAITransport connects through the official Gen AI SDK live client.
type GenAITransport struct {
	APIKey string
}

func NewGenAITransport(apiKey string) *GenAITransport {
	return &GenAITransport{APIKey: apiKey}
}

func (t *GenAITransport) Dial(ctx context.Context, cfg Config) (Stream, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  t.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	session, err := client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open live session: %w", err)
	}
	return &genaiStream{session: session}, nil
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	prefix := int32(cfg.PrefixPadding.Milliseconds())
	silence := int32(cfg.SilenceDuration.Milliseconds())

	detection := &genai.AutomaticActivityDetection{
		StartOfSpeechSensitivity: genai.StartSensitivityHigh,
		EndOfSpeechSensitivity:   genai.EndSensitivityHigh,
	}
	if cfg.StartSensitivity == SensitivityLow {
		detection.StartOfSpeechSensitivity = genai.StartSensitivityLow
	}
	if cfg.EndSensitivity == SensitivityLow {
		detection.EndOfSpeechSensitivity = genai.EndSensitivityLow
	}
	if prefix > 0 {
		detection.PrefixPaddingMs = &prefix
	}
	if silence > 0 {
		detection.SilenceDurationMs = &silence
	}

	handling := genai.ActivityHandlingNoInterruption
	if cfg.Interruptible {
		handling = genai.ActivityHandlingStartOfActivityInterrupts
	}

	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: detection,
			ActivityHandling:           handling,
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.VoiceName != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			},
		}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	return out
}

type genaiStream struct {
	session   *genai.Session
	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (s *genaiStream) Send(chunk protocol.MediaChunk) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk.PCM, MIMEType: chunk.MIMEType()},
	})
}

func (s *genaiStream) Recv() ([]protocol.ServerEvent, error) {
	for {
		msg, err := s.session.Receive()
		if err != nil {
			return nil, err
		}
		if events := eventsFromGenAI(msg); len(events) > 0 {
			return events, nil
		}
	}
}

func (s *genaiStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.session.Close()
	})
	return err
}

func eventsFromGenAI(msg *genai.LiveServerMessage) []protocol.ServerEvent {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	content := &protocol.LiveServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.InputTranscription != nil {
		content.InputTranscription = &protocol.LiveTranscription{Text: sc.InputTranscription.Text, Finished: sc.InputTranscription.Finished}
	}
	if sc.OutputTranscription != nil {
		content.OutputTranscription = &protocol.LiveTranscription{Text: sc.OutputTranscription.Text, Finished: sc.OutputTranscription.Finished}
	}
	if sc.ModelTurn != nil {
		turn := &protocol.LiveContent{}
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			turn.Parts = append(turn.Parts, protocol.LivePart{
				InlineData: &protocol.LiveBlob{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data},
			})
		}
		content.ModelTurn = turn
	}
	return protocol.EventsFromContent(content)
}
