package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMinIOUpload(t *testing.T) {
	var method, path, contentType string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	m, err := NewMinIO(MinIOConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "renders",
	})
	if err != nil {
		t.Fatalf("NewMinIO failed: %v", err)
	}

	if err := m.Upload(context.Background(), "scripts/abc/final.mp4", []byte("video"), "video/mp4"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if method != http.MethodPut || path != "/renders/scripts/abc/final.mp4" {
		t.Errorf("unexpected request %s %s", method, path)
	}
	if contentType != "video/mp4" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if len(body) == 0 {
		t.Error("expected a request body")
	}
}

func TestMinIOPublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  MinIOConfig
		want string
	}{
		{
			name: "endpoint fallback",
			cfg:  MinIOConfig{Endpoint: "minio:9000", Bucket: "renders"},
			want: "http://minio:9000/renders/a/b.mp3",
		},
		{
			name: "tls endpoint",
			cfg:  MinIOConfig{Endpoint: "s3.example.com", Bucket: "renders", UseSSL: true},
			want: "https://s3.example.com/renders/a/b.mp3",
		},
		{
			name: "public base",
			cfg:  MinIOConfig{Endpoint: "minio:9000", Bucket: "renders", PublicURL: "https://cdn.example.com/"},
			want: "https://cdn.example.com/renders/a/b.mp3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMinIO(tt.cfg)
			if err != nil {
				t.Fatalf("NewMinIO failed: %v", err)
			}
			if got := m.GetPublicURL("/a/b.mp3"); got != tt.want {
				t.Errorf("GetPublicURL = %q, want %q", got, tt.want)
			}
		})
	}
}
