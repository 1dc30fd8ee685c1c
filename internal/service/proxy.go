// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"janus-proxy/internal/client"
	"janus-proxy/internal/config"
	"janus-proxy/internal/model"
)

var (
	// ErrUpstreamUnavailable is returned when the origin could not be reached
	// or did not answer. Clients see it as 502.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnsupportedScheme is returned for absolute URLs the proxy cannot fetch.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
)

// strippedRequestHeaders are consumed by the proxy and never sent upstream.
var strippedRequestHeaders = []string{
	model.OptionsHeader,
	"Proxy-Authorization",
	"Proxy-Authenticate",
}

// ForwardService sends proxied requests to their origin.
type ForwardService struct {
	client *client.UpstreamClient
	title  string
	logger *slog.Logger
}

// NewForwardService creates a ForwardService.
func NewForwardService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ForwardService {
	return &ForwardService{
		client: c,
		title:  cfg.Proxy.Title,
		logger: logger.With("component", "forward_service"),
	}
}

// Forward sends pr to the host named in its URL and returns the response
// with hop-by-hop headers removed. The caller is responsible for closing the
// response body. Canceling pr.Ctx aborts the upstream exchange.
func (s *ForwardService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.URL == nil || pr.URL.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsupportedScheme)
	}
	switch pr.URL.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, pr.URL.Scheme)
	}

	header := s.filterRequestHeaders(pr.Header)
	header.Set("Host", pr.URL.Host)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.URL.Host,
		"path", pr.URL.Path,
	)

	var body io.Reader = pr.Body
	length := pr.ContentLength
	if pr.Body == nil || pr.Body == http.NoBody {
		body, length = nil, 0
	}
	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.URL.String(), header, body, length)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	model.StripHopByHop(resp.Header)
	resp.Header.Add("Via", "1.1 "+s.title)
	return resp, nil
}

func (s *ForwardService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	model.StripHopByHop(dst)
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	dst.Add("Via", "1.1 "+s.title)
	return dst
}
