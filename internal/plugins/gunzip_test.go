package plugins

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"janus-proxy/internal/stream"
)

func gzipped(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.String()
}

func TestGunzip_Decodes(t *testing.T) {
	obs := &recordingObserver{}
	plain := strings.Repeat("plain text for every stage ", 100)
	body := gzipped(t, plain)

	status, h, out := respond(t, NewGunzip(obs), getRequest("http://example.com/"), http.StatusOK,
		http.Header{
			"Content-Type":     {"text/plain"},
			"Content-Encoding": {"gzip"},
			"Content-Length":   {strconv.Itoa(len(body))},
		}, body)

	require.Equal(t, http.StatusOK, status)
	require.Equal(t, plain, out)
	require.Empty(t, h.Get("Content-Encoding"))
	require.Empty(t, h.Get("Content-Length"))
	require.Equal(t, "text/plain", h.Get("Content-Type"))
	require.Equal(t, float64(1), obs.get("gunzip/decoded"))
	require.Equal(t, float64(len(plain)), obs.get("gunzip/bytes_out"))
}

func TestGunzip_PassThrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
		enc    string
		body   string
	}{
		{"identity", http.MethodGet, http.StatusOK, "", "as is"},
		{"brotli", http.MethodGet, http.StatusOK, "br", "\x1b\x05"},
		{"head", http.MethodHead, http.StatusOK, "gzip", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := getRequest("http://example.com/")
			req.Method = tt.method
			header := http.Header{"Content-Type": {"text/plain"}}
			if tt.enc != "" {
				header.Set("Content-Encoding", tt.enc)
			}
			_, h, out := respond(t, NewGunzip(nil), req, tt.status, header, tt.body)
			require.Equal(t, tt.body, out)
			require.Equal(t, tt.enc, h.Get("Content-Encoding"))
		})
	}
}

func TestGunzip_EmptyBody(t *testing.T) {
	_, h, out := respond(t, NewGunzip(nil), getRequest("http://example.com/"), http.StatusOK,
		http.Header{"Content-Encoding": {"gzip"}}, "")
	require.Empty(t, out)
	require.Empty(t, h.Get("Content-Encoding"))
}

func TestGunzip_CorruptBodyFails(t *testing.T) {
	src := source(t, http.StatusOK, http.Header{"Content-Encoding": {"gzip"}}, "not gzip at all")
	dst := stream.New("out")
	err := NewGunzip(nil).HandleResponse(getRequest("http://example.com/"), src, dst, dst)
	require.ErrorContains(t, err, "gunzip")
	require.False(t, dst.HeadWritten())
}
