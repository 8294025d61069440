package services

import (
	"context"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// TTSService is the common interface for text-to-speech providers.
// ElevenLabs, OpenAI and Gemini implement it so the narration service can
// use whichever is configured without knowing the underlying provider.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int
	Format     string // "mp3", "wav"
}

// ContentType returns the MIME type for the audio format.
func (r *TTSResponse) ContentType() string {
	switch r.Format {
	case "wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

type TTSService interface {
	// GenerateSpeech converts narration text to audio with the provider's
	// configured voice.
	GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error)
}

// TTS providers selectable through TTS_PROVIDER.
const (
	TTSProviderElevenLabs = "elevenlabs"
	TTSProviderOpenAI     = "openai"
	TTSProviderGemini     = "gemini"
)

// TTSConfig carries the credentials and voices of every provider.
type TTSConfig struct {
	Provider          string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	OpenAIAPIKey      string
	OpenAIVoice       string
	GeminiAPIKey      string
	GeminiVoice       string
}

// NewTTSService builds the configured provider. An empty provider with no
// matching credentials returns nil, which makes narration fall back to the
// placeholder asset.
func NewTTSService(ctx context.Context, cfg TTSConfig) (TTSService, error) {
	switch strings.ToLower(cfg.Provider) {
	case TTSProviderElevenLabs, "":
		if cfg.ElevenLabsAPIKey == "" {
			return nil, nil
		}
		return NewElevenLabsService(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID), nil
	case TTSProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai TTS provider")
		}
		return NewOpenAITTSService(cfg.OpenAIAPIKey, cfg.OpenAIVoice), nil
	case TTSProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini TTS provider")
		}
		svc, err := NewGeminiTTSService(ctx, cfg.GeminiAPIKey, cfg.GeminiVoice)
		if err != nil {
			return nil, err
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", cfg.Provider)
	}
}

// estimateAudioDuration estimates speech duration from the word count at a
// 140 wpm narration pace adjusted by speed.
func estimateAudioDuration(text string, speed float64) int {
	if speed <= 0 {
		speed = 1
	}
	words := len(strings.Fields(text))
	minutes := float64(words) / (140.0 * speed)
	return int(minutes * 60 * 1000)
}
