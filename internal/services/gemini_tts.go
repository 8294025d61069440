package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Gemini Text-to-Speech Service
// The model answers with raw 16-bit mono PCM at 24kHz; it is wrapped in a
// WAV header before upload.
// ---------------------------------------------------------------------------

const (
	geminiTTSModel         = "gemini-2.5-flash-preview-tts"
	geminiTTSDefaultVoice  = "Charon"
	geminiPCMSampleRate    = 24000
	geminiPCMChannels      = 1
	geminiPCMBitsPerSample = 16
)

type GeminiTTSService struct {
	client *genai.Client
	voice  string
}

var _ TTSService = (*GeminiTTSService)(nil)

// NewGeminiTTSService creates a TTS service backed by Gemini speech generation.
func NewGeminiTTSService(ctx context.Context, apiKey, voice string) (*GeminiTTSService, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if voice == "" {
		voice = geminiTTSDefaultVoice
	}
	return &GeminiTTSService{client: client, voice: voice}, nil
}

func (s *GeminiTTSService) GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error) {
	log.Debug().Str("component", "gemini-tts").Str("voice", s.voice).Int("text_len", len(text)).Msg("Generating speech")

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	}

	resp, err := s.client.Models.GenerateContent(ctx, geminiTTSModel, genai.Text(text), config)
	if err != nil {
		return nil, fmt.Errorf("Gemini speech request failed: %w", err)
	}

	pcm, err := extractInlineAudio(resp)
	if err != nil {
		return nil, err
	}

	return &TTSResponse{
		AudioData:  pcmToWAV(pcm, geminiPCMSampleRate, geminiPCMChannels, geminiPCMBitsPerSample),
		DurationMs: pcmDurationMs(len(pcm), geminiPCMSampleRate, geminiPCMChannels, geminiPCMBitsPerSample),
		Format:     "wav",
	}, nil
}

func extractInlineAudio(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("Gemini returned no candidates")
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return nil, fmt.Errorf("Gemini returned an empty candidate")
	}
	for _, part := range content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}
	return nil, fmt.Errorf("Gemini response contained no audio")
}

// pcmToWAV prepends a canonical 44-byte RIFF header to little-endian PCM.
func pcmToWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func pcmDurationMs(n, sampleRate, channels, bitsPerSample int) int {
	byteRate := sampleRate * channels * bitsPerSample / 8
	if byteRate == 0 {
		return 0
	}
	return n * 1000 / byteRate
}
