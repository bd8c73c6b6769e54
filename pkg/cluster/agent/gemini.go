package agent

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

// Conn is one realtime duplex connection. *genai.Session satisfies it.
type Conn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Connector dials the realtime speech service.
type Connector interface {
	Connect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Conn, error)
}

// GeminiConnector opens Gemini Live sessions.
type GeminiConnector struct {
	Client *genai.Client
}

func NewGeminiConnector(ctx context.Context, apiKey string) (*GeminiConnector, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiConnector{Client: client}, nil
}

func (c *GeminiConnector) Connect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Conn, error) {
	if c == nil || c.Client == nil {
		return nil, errors.New("gemini client not configured")
	}
	sess, err := c.Client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Setup is what a session is opened with.
type Setup struct {
	AgentID     string
	Model       string
	Voice       string
	Instruction string
	Tools       []*genai.FunctionDeclaration
}

// LiveConfig requests audio responses in the configured voice, with both
// input and output transcription turned on.
func (s Setup) LiveConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if s.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.Voice},
			},
		}
	}
	if s.Instruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(s.Instruction, genai.RoleUser)
	}
	if len(s.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: s.Tools}}
	}
	return cfg
}
