package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dpeckett/contextio"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"janus-proxy/internal/config"
	"janus-proxy/internal/metrics"
)

// ErrTunnelUnavailable is returned when the tunnel target cannot be reached.
var ErrTunnelUnavailable = errors.New("tunnel unavailable")

// DialFunc opens the upstream side of a tunnel.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TunnelHandler splices opaque connections (CONNECT and protocol upgrades)
// between the client and the target host without looking at the bytes.
type TunnelHandler struct {
	title       string
	dialTimeout time.Duration
	dial        DialFunc
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewTunnelHandler creates a TunnelHandler. The metrics parameter is optional.
func NewTunnelHandler(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *TunnelHandler {
	d := &net.Dialer{KeepAlive: 30 * time.Second}
	return &TunnelHandler{
		title:       cfg.Proxy.Title,
		dialTimeout: time.Duration(cfg.Proxy.TunnelDialSeconds) * time.Second,
		dial:        d.DialContext,
		metrics:     m,
		logger:      logger.With("component", "tunnel_handler"),
	}
}

// IsUpgrade reports whether r asks to switch protocols on a proxied URL.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// targetAddr returns host:port, adding defaultPort when host has none.
func targetAddr(host, defaultPort string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("%w: empty target", ErrTunnelUnavailable)
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		if h == "" || p == "" {
			return "", fmt.Errorf("%w: bad target %q", ErrTunnelUnavailable, host)
		}
		return host, nil
	}
	if strings.ContainsAny(host, "/ ") {
		return "", fmt.Errorf("%w: bad target %q", ErrTunnelUnavailable, host)
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), defaultPort), nil
}

// Connect handles CONNECT requests.
func (h *TunnelHandler) Connect(c echo.Context) error {
	req := c.Request()
	addr, err := targetAddr(req.Host, "443")
	if err != nil {
		return h.fail(c, "connect", req.Host, err)
	}
	upstream, err := h.open(req.Context(), addr)
	if err != nil {
		return h.fail(c, "connect", addr, err)
	}
	defer func() { _ = upstream.Close() }()

	rw := c.Response().Writer
	conn, brw, err := http.NewResponseController(rw).Hijack()
	if errors.Is(err, http.ErrNotSupported) {
		// HTTP/2 streams cannot be hijacked; the request body and the
		// response body carry the tunnel instead.
		return h.streamTunnel(c, addr, upstream)
	}
	if err != nil {
		return h.fail(c, "connect", addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Time{})
	c.Response().Status = http.StatusOK
	c.Response().Committed = true

	handshake := "HTTP/1.1 200 Connection established\r\nProxy-Agent: " + h.title + "\r\n\r\n"
	if _, err := io.WriteString(conn, handshake); err != nil {
		h.record("connect", "client_error")
		return nil
	}
	h.splice(req.Context(), "connect", addr, conn, brw, upstream)
	return nil
}

// Upgrade handles requests carrying Connection: upgrade, such as WebSocket
// handshakes. The request is replayed to the target and everything after it
// is spliced, the target's 101 answer included.
func (h *TunnelHandler) Upgrade(c echo.Context) error {
	req := c.Request()
	addr, err := targetAddr(req.URL.Host, "80")
	if err != nil {
		return h.fail(c, "upgrade", req.URL.Host, err)
	}
	upstream, err := h.open(req.Context(), addr)
	if err != nil {
		return h.fail(c, "upgrade", addr, err)
	}
	defer func() { _ = upstream.Close() }()

	conn, brw, err := http.NewResponseController(c.Response().Writer).Hijack()
	if err != nil {
		return h.fail(c, "upgrade", addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Time{})
	c.Response().Status = http.StatusSwitchingProtocols
	c.Response().Committed = true

	if err := req.Write(upstream); err != nil {
		h.record("upgrade", "upstream_error")
		h.logger.Warn("replaying upgrade request", "addr", addr, "err", err)
		return nil
	}
	h.splice(req.Context(), "upgrade", addr, conn, brw, upstream)
	return nil
}

func (h *TunnelHandler) open(ctx context.Context, addr string) (net.Conn, error) {
	if h.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.dialTimeout)
		defer cancel()
	}
	conn, err := h.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTunnelUnavailable, err)
	}
	return conn, nil
}

// splice copies bytes both ways until either side closes. Bytes the server
// already buffered from the client are sent upstream first.
func (h *TunnelHandler) splice(ctx context.Context, kind, addr string, client net.Conn, brw *bufio.ReadWriter, upstream net.Conn) {
	h.record(kind, "ok")
	start := time.Now()

	var early int64
	if brw != nil && brw.Reader.Buffered() > 0 {
		buffered, _ := brw.Reader.Peek(brw.Reader.Buffered())
		n, err := upstream.Write(buffered)
		early = int64(n)
		if err != nil {
			return
		}
	}

	n, err := contextio.SpliceContext(ctx, client, upstream, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		h.logger.Debug("tunnel closed with error", "kind", kind, "addr", addr, "err", err)
	}
	if h.metrics != nil {
		h.metrics.TunnelBytes.WithLabelValues("spliced").Add(float64(n + early))
	}
	h.logger.Debug("tunnel closed", "kind", kind, "addr", addr,
		"bytes", n+early, "duration_ms", time.Since(start).Milliseconds())
}

// streamTunnel carries a CONNECT tunnel over an HTTP/2 stream.
func (h *TunnelHandler) streamTunnel(c echo.Context, addr string, upstream net.Conn) error {
	req := c.Request()
	rw := c.Response().Writer
	rc := http.NewResponseController(rw)

	c.Response().Header().Set("Proxy-Agent", h.title)
	c.Response().WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.record("connect", "client_error")
		return nil
	}
	h.record("connect", "ok")

	g, ctx := errgroup.WithContext(req.Context())
	g.Go(func() error {
		n, err := io.Copy(upstream, req.Body)
		h.countBytes("client_to_upstream", n)
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(flushingWriter{rw, rc}, upstream)
		h.countBytes("upstream_to_client", n)
		return err
	})
	go func() {
		<-ctx.Done()
		_ = upstream.Close()
	}()
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.logger.Debug("h2 tunnel closed with error", "addr", addr, "err", err)
	}
	return nil
}

func (h *TunnelHandler) fail(c echo.Context, kind, addr string, err error) error {
	h.record(kind, "error")
	h.logger.Warn("tunnel failed", "kind", kind, "addr", addr, "err", err)
	c.Response().Header().Set("Proxy-Agent", h.title)
	c.Response().Header().Set(echo.HeaderConnection, "close")
	return c.String(http.StatusBadGateway, "Tunnel Error")
}

func (h *TunnelHandler) record(kind, result string) {
	if h.metrics != nil {
		h.metrics.TunnelsTotal.WithLabelValues(kind, result).Inc()
	}
}

func (h *TunnelHandler) countBytes(direction string, n int64) {
	if h.metrics != nil {
		h.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// flushingWriter flushes after every write so tunneled bytes are not held
// in the HTTP/2 frame buffer.
type flushingWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.rc.Flush()
}
