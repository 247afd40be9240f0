package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire shapes of the bidirectional Live endpoint (BidiGenerateContent).

type LiveClientMessage struct {
	Setup         *LiveSetup         `json:"setup,omitempty"`
	RealtimeInput *LiveRealtimeInput `json:"realtimeInput,omitempty"`
}

type LiveSetup struct {
	Model                    string                   `json:"model"`
	GenerationConfig         LiveGenerationConfig     `json:"generationConfig"`
	SystemInstruction        *LiveContent             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *LiveRealtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}                `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}                `json:"outputAudioTranscription,omitempty"`
}

type LiveGenerationConfig struct {
	ResponseModalities []string         `json:"responseModalities"`
	SpeechConfig       *LiveSpeechConfig `json:"speechConfig,omitempty"`
}

type LiveSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type LiveContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []LivePart `json:"parts"`
}

type LivePart struct {
	Text       string    `json:"text,omitempty"`
	InlineData *LiveBlob `json:"inlineData,omitempty"`
}

type LiveBlob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type LiveRealtimeInputConfig struct {
	AutomaticActivityDetection *LiveActivityDetection `json:"automaticActivityDetection,omitempty"`
	ActivityHandling           string                 `json:"activityHandling,omitempty"`
}

type LiveActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type LiveRealtimeInput struct {
	Audio *LiveBlob `json:"audio,omitempty"`
}

type LiveServerMessage struct {
	SetupComplete *struct{}          `json:"setupComplete,omitempty"`
	ServerContent *LiveServerContent `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway,omitempty"`
}

type LiveServerContent struct {
	ModelTurn           *LiveContent       `json:"modelTurn,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
	InputTranscription  *LiveTranscription `json:"inputTranscription,omitempty"`
	OutputTranscription *LiveTranscription `json:"outputTranscription,omitempty"`
}

type LiveTranscription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// RealtimeAudio wraps a media chunk for the realtimeInput channel.
func RealtimeAudio(chunk MediaChunk) LiveClientMessage {
	return LiveClientMessage{RealtimeInput: &LiveRealtimeInput{
		Audio: &LiveBlob{MIMEType: chunk.MIMEType(), Data: chunk.PCM},
	}}
}

// DecodeLiveServerMessage parses one server frame into zero or more events,
// in the order transcripts, audio, interruption, turn completion.
func DecodeLiveServerMessage(raw []byte) (LiveServerMessage, []ServerEvent, error) {
	var msg LiveServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return LiveServerMessage{}, nil, fmt.Errorf("invalid live message: %w", err)
	}
	return msg, EventsFromContent(msg.ServerContent), nil
}

// EventsFromContent flattens a serverContent payload.
func EventsFromContent(content *LiveServerContent) []ServerEvent {
	if content == nil {
		return nil
	}
	var events []ServerEvent
	if tr := content.InputTranscription; tr != nil && (tr.Text != "" || tr.Finished) {
		events = append(events, ServerEvent{Kind: KindInputTranscription, Text: tr.Text, Finished: tr.Finished})
	}
	if tr := content.OutputTranscription; tr != nil && (tr.Text != "" || tr.Finished) {
		events = append(events, ServerEvent{Kind: KindOutputTranscription, Text: tr.Text, Finished: tr.Finished})
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, ServerEvent{
				Kind:        KindAudioChunk,
				AudioBase64: base64.StdEncoding.EncodeToString(part.InlineData.Data),
				MIMEType:    part.InlineData.MIMEType,
			})
		}
	}
	if content.Interrupted {
		events = append(events, ServerEvent{Kind: KindInterrupted})
	}
	if content.TurnComplete {
		events = append(events, ServerEvent{Kind: KindTurnComplete})
	}
	return events
}
