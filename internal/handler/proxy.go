package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"janus-proxy/internal/config"
	"janus-proxy/internal/metrics"
	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/service"
	"janus-proxy/internal/stream"
)

// ErrResponseTimeout cancels a request that ran past the response timeout
// when hard timeouts are enabled.
var ErrResponseTimeout = errors.New("response timeout")

// ProxyHandler serves absolute-URL requests: it runs the request plugins,
// forwards what they decline and threads 2xx responses through the
// response plugins.
type ProxyHandler struct {
	service  *service.ForwardService
	pipeline *plugin.Pipeline
	metrics  *metrics.Metrics
	timeout  time.Duration
	hard     bool
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ForwardService, p *plugin.Pipeline, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		pipeline: p,
		metrics:  m,
		timeout:  time.Duration(cfg.Proxy.ResponseTimeoutSeconds) * time.Second,
		hard:     cfg.Proxy.HardTimeout,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle proxies one request and returns once the client response is
// complete or abandoned.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	ctx, cancel := context.WithCancelCause(req.Context())
	defer cancel(nil)

	id := c.Response().Header().Get(echo.HeaderXRequestID)
	target := *req.URL
	pr := &model.ProxyRequest{
		Ctx:           ctx,
		ID:            id,
		Method:        req.Method,
		URL:           &target,
		Header:        req.Header.Clone(),
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Options:       model.ParseOptions(req.Header.Get(model.OptionsHeader)),
		Logger:        h.logger.With("request_id", id, "host", target.Host),
	}

	reqPlugins, respPlugins := h.pipeline.Filter(pr.Options)
	if h.pipeline.HandleRequest(pr, reqPlugins, c.Response()) {
		return nil
	}

	if h.timeout > 0 {
		timer := time.AfterFunc(h.timeout, func() { h.overdue(pr, cancel) })
		defer timer.Stop()
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, pr, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return h.passThrough(c, pr, resp)
	}

	src, err := stream.FromResponse("upstream", resp.StatusCode, resp.Header, resp.Body)
	if err != nil {
		return h.mapError(c, pr, err)
	}
	sink := stream.NewResponseSink(c.Response())
	h.pipeline.HandleResponse(pr, respPlugins, src, sink)

	select {
	case <-sink.Done():
	case <-ctx.Done():
		cause := context.Cause(ctx)
		sink.Abort(cause)
		src.Abort(cause)
	}

	if err := sink.Err(); err != nil {
		if !sink.HeadWritten() {
			return h.mapError(c, pr, err)
		}
		if ctx.Err() == nil || errors.Is(context.Cause(ctx), ErrResponseTimeout) {
			pr.Logger.Warn("response aborted", "err", err, "bytes", sink.Written())
		}
		// The status line is out; cut the connection so the client sees a
		// truncated body instead of a complete one.
		panic(http.ErrAbortHandler)
	}
	return nil
}

// overdue fires when the response timeout elapses before the response is
// complete. It only cancels the request when hard timeouts are enabled.
func (h *ProxyHandler) overdue(pr *model.ProxyRequest, cancel context.CancelCauseFunc) {
	if h.metrics != nil {
		h.metrics.Overdue.Inc()
	}
	pr.Logger.Warn("response overdue", "timeout", h.timeout, "hard", h.hard)
	if h.hard {
		cancel(ErrResponseTimeout)
	}
}

// passThrough copies a non-2xx response to the client untouched.
func (h *ProxyHandler) passThrough(c echo.Context, pr *model.ProxyRequest, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	if h.metrics != nil {
		h.metrics.PassThrough.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	out := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a copy failure can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		pr.Logger.Warn("streaming pass-through body", "err", err)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	if errors.Is(err, service.ErrUnsupportedScheme) {
		pr.Logger.Info("rejected request", "err", err)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "Proxy fetch failed: only http and https URLs can be proxied",
		})
	}

	if errors.Is(err, context.Canceled) && !errors.Is(context.Cause(pr.Ctx), ErrResponseTimeout) {
		// The client went away; nobody is left to answer.
		pr.Logger.Debug("client disconnected", "err", err)
		return nil
	}

	pr.Logger.Error("proxy error", "err", err)

	if errors.Is(err, ErrResponseTimeout) || errors.Is(context.Cause(pr.Ctx), ErrResponseTimeout) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	if errors.Is(err, plugin.ErrPluginFailure) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "response processing failed",
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
