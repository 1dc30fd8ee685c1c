// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// OptionsHeader carries per-request plugin overrides as space-separated
// "+name" / "-name" tokens.
const OptionsHeader = "X-Janus-Options"

// OriginalContentLengthHeader is set when a body was buffered to learn its
// true length.
const OriginalContentLengthHeader = "X-Original-Content-Length"

// hopByHopHeaders must not be forwarded verbatim in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Host",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyRequest represents a client request travelling through the proxy.
// Request-stage plugins may rewrite URL and Header before it is forwarded.
type ProxyRequest struct {
	Ctx           context.Context
	ID            string
	Method        string
	URL           *url.URL
	Header        http.Header
	Body          io.ReadCloser
	// ContentLength is the client's declared body length; -1 means unknown.
	ContentLength int64
	Options       Options
	Logger        *slog.Logger
}

// Host returns the target host of the request, port included when present.
func (r *ProxyRequest) Host() string {
	if r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Header.Get("Host")
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// StripHopByHop removes connection-management headers from h in place,
// including any header named by a Connection token.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
