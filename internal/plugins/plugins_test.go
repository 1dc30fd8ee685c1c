package plugins

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingObserver keeps the Count calls it receives.
type recordingObserver struct {
	plugin.NopObserver

	mu     sync.Mutex
	counts map[string]float64
}

func (o *recordingObserver) Count(p, event string, n float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]float64{}
	}
	o.counts[p+"/"+event] += n
}

func (o *recordingObserver) get(key string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

func getRequest(rawURL string) *model.ProxyRequest {
	req, _ := http.NewRequest(http.MethodGet, rawURL, nil)
	return &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		URL:    req.URL,
		Header: http.Header{},
	}
}

func source(t *testing.T, status int, header http.Header, body string) *stream.Stream {
	t.Helper()
	s, err := stream.FromResponse("upstream", status, header, io.NopCloser(strings.NewReader(body)))
	require.NoError(t, err)
	return s
}

// respond runs h over a synthetic upstream response and collects its output.
func respond(t *testing.T, h plugin.ResponseHandler, req *model.ProxyRequest, status int, header http.Header, body string) (int, http.Header, string) {
	t.Helper()
	src := source(t, status, header, body)
	dst := stream.New("out")

	errc := make(chan error, 1)
	go func() { errc <- h.HandleResponse(req, src, dst, dst) }()

	dst.Resume()
	out, err := io.ReadAll(dst)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	return dst.StatusCode(), dst.Header(), string(out)
}
