package handler

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"janus-proxy/internal/client"
	"janus-proxy/internal/config"
	"janus-proxy/internal/metrics"
	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/plugins"
	"janus-proxy/internal/service"
	"janus-proxy/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// teapot answers requests for /teapot itself.
type teapot struct{}

func (teapot) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: "teapot", Stages: plugin.StageRequest}
}

func (teapot) HandleRequest(req *model.ProxyRequest, w http.ResponseWriter) (bool, error) {
	if req.URL.Path != "/teapot" {
		return false, nil
	}
	w.WriteHeader(http.StatusTeapot)
	return true, nil
}

// marker tags every response it sees.
type marker struct{ ran atomic.Bool }

func (*marker) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: "marker", Stages: plugin.StageResponse}
}

func (m *marker) HandleResponse(_ *model.ProxyRequest, src *stream.Stream, dst, _ stream.Sink) error {
	m.ran.Store(true)
	h := src.Header().Clone()
	h.Set("X-Marked", "1")
	if err := dst.WriteHead(src.StatusCode(), h); err != nil {
		return err
	}
	return stream.Pipe(dst, src)
}

type testProxy struct {
	server  *httptest.Server
	client  *http.Client
	metrics *metrics.Metrics
	marker  *marker
}

func newTestProxy(t *testing.T, mutate func(cfg *config.Config), extra ...plugin.Plugin) *testProxy {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline = config.PipelineConfig{Request: []string{"teapot"}, Response: []string{"marker"}}
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	logger := discardLogger()
	m := metrics.New()
	mk := &marker{}
	reg, err := plugin.NewRegistry(cfg, append([]plugin.Plugin{teapot{}, mk}, extra...), logger)
	require.NoError(t, err)

	svc := service.NewForwardService(client.NewUpstreamClient(cfg, logger, m), cfg, logger)
	proxy := NewProxyHandler(svc, plugin.NewPipeline(reg, m, logger), cfg, m, logger)
	tunnel := NewTunnelHandler(cfg, m, logger)

	e := echo.New()
	e.Pre(Dispatch(proxy, tunnel))
	RegisterRoutes(e, cfg, NewHealthHandler(cfg, "test", reg), m)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	proxyURL, _ := url.Parse(srv.URL)

	return &testProxy{
		server: srv,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:              http.ProxyURL(proxyURL),
				DisableCompression: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			Timeout:       10 * time.Second,
		},
		metrics: m,
		marker:  mk,
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestProxy_Forward(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(model.OptionsHeader) != "" {
			t.Error("options header reached the origin")
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello from " + r.URL.Path))
	}))
	defer origin.Close()

	p := newTestProxy(t, nil)
	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/page", nil)
	req.Header.Set(model.OptionsHeader, "+nothing")
	resp, err := p.client.Do(req)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello from /page", readBody(t, resp))
	require.Equal(t, "1", resp.Header.Get("X-Marked"))
	require.Contains(t, resp.Header.Get("Via"), "janus-proxy")
	require.True(t, p.marker.ran.Load())
}

func TestProxy_RequestBodyFraming(t *testing.T) {
	type seen struct {
		length   int64
		encoding []string
		body     string
	}
	got := make(chan seen, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{length: r.ContentLength, encoding: r.TransferEncoding, body: string(b)}
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	tests := []struct {
		name         string
		body         io.Reader
		wantLength   int64
		wantEncoding []string
	}{
		{"sized", strings.NewReader("hello world"), 11, nil},
		// A reader of unknown size goes out chunked from the client, and
		// stays chunked upstream.
		{"chunked", io.MultiReader(strings.NewReader("hello "), strings.NewReader("world")), -1, []string{"chunked"}},
	}
	p := newTestProxy(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, origin.URL+"/upload", tt.body)
			resp, err := p.client.Do(req)
			require.NoError(t, err)
			require.Equal(t, "ok", readBody(t, resp))

			s := <-got
			require.Equal(t, tt.wantLength, s.length)
			require.Equal(t, tt.wantEncoding, s.encoding)
			require.Equal(t, "hello world", s.body)
		})
	}
}

func TestProxy_RedirectPassThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/301":
			http.Redirect(w, r, "http://example.com/moved", http.StatusMovedPermanently)
		case "/302":
			http.Redirect(w, r, "http://example.com/found", http.StatusFound)
		default:
			http.Redirect(w, r, "http://example.com/temp", http.StatusTemporaryRedirect)
		}
	}))
	defer origin.Close()

	tests := []struct {
		path     string
		status   int
		location string
	}{
		{"/301", http.StatusMovedPermanently, "http://example.com/moved"},
		{"/302", http.StatusFound, "http://example.com/found"},
		{"/307", http.StatusTemporaryRedirect, "http://example.com/temp"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p := newTestProxy(t, nil)
			resp, err := p.client.Get(origin.URL + tt.path)
			require.NoError(t, err)
			_ = readBody(t, resp)

			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.location, resp.Header.Get("Location"))
			require.Empty(t, resp.Header.Get("X-Marked"))
			require.False(t, p.marker.ran.Load(), "response plugins must not see redirects")
			require.Equal(t, float64(1), testutil.ToFloat64(p.metrics.PassThrough.WithLabelValues(strconv.Itoa(tt.status))))
		})
	}
}

func TestProxy_UpstreamRefused(t *testing.T) {
	p := newTestProxy(t, nil)

	start := time.Now()
	resp, err := p.client.Get("http://127.0.0.1:1/")
	require.NoError(t, err)
	body := readBody(t, resp)

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Less(t, time.Since(start), 10*time.Second)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	require.NotEmpty(t, payload["error"])
	require.False(t, p.marker.ran.Load())
}

func TestProxy_RequestPluginAnswers(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer origin.Close()

	p := newTestProxy(t, nil)
	resp, err := p.client.Get(origin.URL + "/teapot")
	require.NoError(t, err)
	_ = readBody(t, resp)

	require.Equal(t, http.StatusTeapot, resp.StatusCode)
	require.Zero(t, hits.Load(), "origin must not be contacted")
}

func TestProxy_UnsupportedScheme(t *testing.T) {
	p := newTestProxy(t, nil)

	conn, err := net.Dial("tcp", p.server.Listener.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = io.WriteString(conn, "GET ftp://example.com/file HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	raw, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "HTTP/1.1 502"), string(raw))
	require.Contains(t, string(raw), "only http and https URLs can be proxied")
}

func TestProxy_Compress(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(strings.Repeat("<p>janus</p>", 200)))
	}))
	defer origin.Close()

	cfg := func(cfg *config.Config) {
		cfg.Pipeline.Response = []string{"marker", "compress"}
		cfg.Compress.Toggle = config.Toggle{Optional: true}
	}
	compress := plugins.NewCompress(&config.Config{Compress: config.CompressConfig{GzipLevel: 6, BrotliLevel: 5}}, nil)
	p := newTestProxy(t, cfg, compress)

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := p.client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("<p>janus</p>", 200), string(plain))

	// Per-request override switches the optional plugin off.
	req.Header.Set(model.OptionsHeader, "-compress")
	resp, err = p.client.Do(req)
	require.NoError(t, err)
	require.Empty(t, resp.Header.Get("Content-Encoding"))
	require.Equal(t, strings.Repeat("<p>janus</p>", 200), readBody(t, resp))
}

func TestProxy_CompressLeavesNoContentAlone(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	cfg := func(cfg *config.Config) { cfg.Pipeline.Response = []string{"compress"} }
	compress := plugins.NewCompress(&config.Config{Compress: config.CompressConfig{GzipLevel: 6, BrotliLevel: 5}}, nil)
	p := newTestProxy(t, cfg, compress)

	req, _ := http.NewRequest(http.MethodDelete, origin.URL+"/item/1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := p.client.Do(req)
	require.NoError(t, err)

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Content-Encoding"))
	require.Empty(t, readBody(t, resp))
}

func TestProxy_OverdueIsCountedNotFatal(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(1500 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer origin.Close()

	p := newTestProxy(t, func(cfg *config.Config) { cfg.Proxy.ResponseTimeoutSeconds = 1 })
	resp, err := p.client.Get(origin.URL + "/")
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "late", readBody(t, resp))
	require.Equal(t, float64(1), testutil.ToFloat64(p.metrics.Overdue))
}

func TestProxy_HardTimeout(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(release)

	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.Proxy.ResponseTimeoutSeconds = 1
		cfg.Proxy.HardTimeout = true
	})
	resp, err := p.client.Get(origin.URL + "/")
	require.NoError(t, err)
	_ = readBody(t, resp)

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, float64(1), testutil.ToFloat64(p.metrics.Overdue))
}
