package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

func TestElevenLabsGenerateSpeech(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("xi-api-key"); got != "el-key" {
			t.Errorf("unexpected api key %q", got)
		}
		var req elevenLabsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.ModelID != elevenLabsDefaultModel || req.Text == "" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte("ID3-audio"))
	}))
	defer server.Close()

	svc := NewElevenLabsService("el-key", "voice-1")
	svc.baseURL = server.URL

	resp, err := svc.GenerateSpeech(context.Background(), "The river carved the canyon over millions of years.")
	if err != nil {
		t.Fatalf("GenerateSpeech failed: %v", err)
	}
	if string(resp.AudioData) != "ID3-audio" || resp.Format != "mp3" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.DurationMs <= 0 {
		t.Errorf("expected positive duration estimate, got %d", resp.DurationMs)
	}
	if resp.ContentType() != "audio/mpeg" {
		t.Errorf("unexpected content type %q", resp.ContentType())
	}
}

func TestElevenLabsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"invalid key"}`))
	}))
	defer server.Close()

	svc := NewElevenLabsService("bad", "")
	svc.baseURL = server.URL

	if _, err := svc.GenerateSpeech(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for 401 response")
	}
	if svc.voiceID != elevenLabsDefaultVoice {
		t.Errorf("expected default voice, got %q", svc.voiceID)
	}
}

func TestOpenAIGenerateSpeech(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req openai.CreateSpeechRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Voice != openai.VoiceOnyx || req.ResponseFormat != openai.SpeechResponseFormatMp3 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer server.Close()

	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = server.URL + "/v1"
	svc := newOpenAITTSService(openai.NewClientWithConfig(cfg), "")

	resp, err := svc.GenerateSpeech(context.Background(), "Chapter one begins at dawn.")
	if err != nil {
		t.Fatalf("GenerateSpeech failed: %v", err)
	}
	if string(resp.AudioData) != "mp3-bytes" || resp.Format != "mp3" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestPCMToWAV(t *testing.T) {
	pcm := make([]byte, 48000) // one second of 24kHz 16-bit mono
	wav := pcmToWAV(pcm, 24000, 1, 16)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) || !bytes.Equal(wav[36:40], []byte("data")) {
		t.Errorf("malformed header %q", wav[:44])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 24000 {
		t.Errorf("sample rate = %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
	if got := pcmDurationMs(len(pcm), 24000, 1, 16); got != 1000 {
		t.Errorf("duration = %dms, want 1000", got)
	}
}

func TestExtractInlineAudio(t *testing.T) {
	if _, err := extractInlineAudio(&genai.GenerateContentResponse{}); err == nil {
		t.Error("expected error for empty response")
	}

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "ignored"},
				{InlineData: &genai.Blob{MIMEType: "audio/L16;rate=24000", Data: []byte{1, 2, 3, 4}}},
			}},
		}},
	}
	data, err := extractInlineAudio(resp)
	if err != nil {
		t.Fatalf("extractInlineAudio failed: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("expected 4 bytes, got %d", len(data))
	}
}

func TestNewTTSService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TTSConfig
		wantNil bool
		wantErr bool
	}{
		{"no provider no key", TTSConfig{}, true, false},
		{"elevenlabs", TTSConfig{Provider: "elevenlabs", ElevenLabsAPIKey: "k"}, false, false},
		{"openai", TTSConfig{Provider: "OpenAI", OpenAIAPIKey: "k"}, false, false},
		{"openai missing key", TTSConfig{Provider: "openai"}, true, true},
		{"gemini missing key", TTSConfig{Provider: "gemini"}, true, true},
		{"unknown", TTSConfig{Provider: "festival"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewTTSService(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (svc == nil) != tt.wantNil {
				t.Errorf("svc = %v, wantNil %v", svc, tt.wantNil)
			}
		})
	}
}

func TestEstimateAudioDuration(t *testing.T) {
	text := ""
	for i := 0; i < 140; i++ {
		text += "word "
	}
	if got := estimateAudioDuration(text, 1); got != 60000 {
		t.Errorf("140 words at speed 1 = %dms, want 60000", got)
	}
	if got := estimateAudioDuration("", 1); got != 0 {
		t.Errorf("empty text = %dms, want 0", got)
	}
}
