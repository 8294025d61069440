package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech Service
// REST API, model eleven_multilingual_v2 for long-form narration.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_multilingual_v2"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "mp3_44100_128"
	elevenLabsSpeed        = 0.9 // documentary delivery, a little under conversational pace
)

type ElevenLabsService struct {
	apiKey  string
	voiceID string
	modelID string
	baseURL string
	client  *http.Client
}

var _ TTSService = (*ElevenLabsService)(nil)

// NewElevenLabsService creates an ElevenLabs TTS service. An empty voiceID
// uses the default narrator voice.
func NewElevenLabsService(apiKey, voiceID string) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

func (s *ElevenLabsService) GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error) {
	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: s.modelID,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.70, // steady narrator across a multi-hour script
			SimilarityBoost: 0.80,
			Style:           0.20,
			Speed:           elevenLabsSpeed,
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, s.voiceID, elevenLabsOutputFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	log.Debug().Str("component", "elevenlabs").Str("voice_id", s.voiceID).Int("text_len", len(text)).Msg("Generating speech")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ElevenLabs returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	// The response body is the audio file
	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ElevenLabs audio response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("ElevenLabs returned empty audio")
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(text, elevenLabsSpeed),
		Format:     "mp3",
	}, nil
}
