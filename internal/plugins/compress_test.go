package plugins

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"janus-proxy/internal/config"
)

func newCompress(obs *recordingObserver) *Compress {
	cfg := &config.Config{Compress: config.CompressConfig{GzipLevel: 6, BrotliLevel: 5}}
	return NewCompress(cfg, obs)
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		ctype  string
		cenc   string
		want   string
	}{
		{"gzip text", "gzip, deflate", "text/html; charset=utf-8", "", "gzip"},
		{"brotli preferred", "gzip, br", "application/json", "", "br"},
		{"javascript", "gzip", "application/javascript", "", "gzip"},
		{"x-javascript", "gzip", "application/x-javascript", "", "gzip"},
		{"image untouched", "gzip, br", "image/png", "", ""},
		{"already encoded", "gzip", "text/plain", "deflate", ""},
		{"nothing accepted", "", "text/plain", "", ""},
		{"refused with q=0", "br;q=0, gzip", "text/plain", "", "gzip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := http.Header{}
			if tt.accept != "" {
				req.Set("Accept-Encoding", tt.accept)
			}
			resp := http.Header{"Content-Type": {tt.ctype}}
			if tt.cenc != "" {
				resp.Set("Content-Encoding", tt.cenc)
			}
			require.Equal(t, tt.want, encodingFor(req, resp))
		})
	}
}

func TestCompress_Gzip(t *testing.T) {
	obs := &recordingObserver{}
	req := getRequest("http://example.com/")
	req.Header.Set("Accept-Encoding", "gzip")
	plain := strings.Repeat("janus compresses text ", 500)

	_, h, body := respond(t, newCompress(obs), req, http.StatusOK,
		http.Header{"Content-Type": {"text/plain"}, "Content-Length": {"11000"}}, plain)

	require.Equal(t, "gzip", h.Get("Content-Encoding"))
	require.Empty(t, h.Get("Content-Length"))
	require.Equal(t, "Accept-Encoding", h.Get("Vary"))

	zr, err := gzip.NewReader(strings.NewReader(body))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, plain, string(got))
	require.Equal(t, float64(1), obs.get("compress/hit"))
	require.Equal(t, float64(len(body)), obs.get("compress/bytes_out"))
}

func TestCompress_Brotli(t *testing.T) {
	req := getRequest("http://example.com/")
	req.Header.Set("Accept-Encoding", "gzip, br")
	plain := `{"items":[` + strings.Repeat(`{"id":1},`, 200) + `{}]}`

	_, h, body := respond(t, newCompress(&recordingObserver{}), req, http.StatusOK,
		http.Header{"Content-Type": {"application/json"}}, plain)

	require.Equal(t, "br", h.Get("Content-Encoding"))
	got, err := io.ReadAll(brotli.NewReader(bytes.NewReader([]byte(body))))
	require.NoError(t, err)
	require.Equal(t, plain, string(got))
}

func TestCompress_PassThrough(t *testing.T) {
	obs := &recordingObserver{}
	req := getRequest("http://example.com/logo.png")
	req.Header.Set("Accept-Encoding", "gzip")

	_, h, body := respond(t, newCompress(obs), req, http.StatusOK,
		http.Header{"Content-Type": {"image/png"}, "Content-Length": {"4"}}, "\x89PNG")

	require.Equal(t, "\x89PNG", body)
	require.Equal(t, "4", h.Get("Content-Length"))
	require.Empty(t, h.Get("Content-Encoding"))
	require.Equal(t, float64(1), obs.get("compress/miss"))
}

func TestCompress_BodylessResponses(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
	}{
		{"no content", http.MethodGet, http.StatusNoContent},
		{"not modified", http.MethodGet, http.StatusNotModified},
		{"head", http.MethodHead, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			req := getRequest("http://example.com/api")
			req.Method = tt.method
			req.Header.Set("Accept-Encoding", "gzip, br")

			status, h, body := respond(t, newCompress(obs), req, tt.status,
				http.Header{"Content-Type": {"application/json"}}, "")

			require.Equal(t, tt.status, status)
			require.Empty(t, h.Get("Content-Encoding"))
			require.Empty(t, body)
			require.Equal(t, float64(1), obs.get("compress/miss"))
		})
	}
}
