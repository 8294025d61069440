package services

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// OpenAI Text-to-Speech Service
// ---------------------------------------------------------------------------

const (
	openAITTSDefaultVoice = "onyx"
	openAITTSSpeed        = 0.95
)

type OpenAITTSService struct {
	client *openai.Client
	voice  string
}

var _ TTSService = (*OpenAITTSService)(nil)

// NewOpenAITTSService creates a TTS service backed by the OpenAI speech API.
func NewOpenAITTSService(apiKey, voice string) *OpenAITTSService {
	return newOpenAITTSService(openai.NewClient(apiKey), voice)
}

func newOpenAITTSService(client *openai.Client, voice string) *OpenAITTSService {
	if voice == "" {
		voice = openAITTSDefaultVoice
	}
	return &OpenAITTSService{client: client, voice: voice}
}

func (s *OpenAITTSService) GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error) {
	log.Debug().Str("component", "openai-tts").Str("voice", s.voice).Int("text_len", len(text)).Msg("Generating speech")

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1HD,
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          openAITTSSpeed,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI speech request failed: %w", err)
	}
	defer resp.Close()

	audioData, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAI audio response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("OpenAI returned empty audio")
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(text, openAITTSSpeed),
		Format:     "mp3",
	}, nil
}
