// Package plugin defines the plugin capability interfaces and runs the
// request and response pipelines built from them.
package plugin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"janus-proxy/internal/model"
	"janus-proxy/internal/stream"
)

// ErrPluginFailure wraps any error or panic raised inside a plugin.
var ErrPluginFailure = errors.New("plugin failure")

// Stage is a bit set of the pipelines a plugin takes part in.
type Stage uint8

const (
	StageRequest Stage = 1 << iota
	StageResponse
)

func (s Stage) String() string {
	switch s {
	case StageRequest:
		return "request"
	case StageResponse:
		return "response"
	case StageRequest | StageResponse:
		return "request+response"
	}
	return "none"
}

// Descriptor is the static metadata of a plugin.
type Descriptor struct {
	// Name is unique; it keys config sections, override tokens and metrics.
	Name   string
	Stages Stage
	// Shortcut marks a response plugin that writes to the client itself and
	// ends chain construction.
	Shortcut bool
}

// Plugin is implemented by every plugin. A plugin also implements
// RequestHandler and/or ResponseHandler according to its stages.
type Plugin interface {
	Descriptor() Descriptor
}

// Initializer is implemented by plugins needing one-time setup before the
// proxy serves traffic.
type Initializer interface {
	Init(ctx context.Context) error
}

// RequestHandler runs in the request pipeline. Returning handled=true means
// the plugin wrote the full response to w. A plugin may rewrite req.URL and
// req.Header when it declines.
type RequestHandler interface {
	HandleRequest(req *model.ProxyRequest, w http.ResponseWriter) (handled bool, err error)
}

// ResponseHandler runs in the response pipeline. It reads src (already
// resumed or forwarded as it sees fit) and produces dst. client is the real
// client sink; only shortcut plugins write to it directly, in addition to
// dst. HandleResponse may return before dst is complete if it hands the
// work to another goroutine or to src.Forward.
type ResponseHandler interface {
	HandleResponse(req *model.ProxyRequest, src *stream.Stream, dst stream.Sink, client stream.Sink) error
}

// Observer receives pipeline measurements.
type Observer interface {
	StageDone(plugin, stage string, d time.Duration)
	PluginFailed(plugin, stage string)
	Count(plugin, event string, n float64)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) StageDone(string, string, time.Duration) {}
func (NopObserver) PluginFailed(string, string)             {}
func (NopObserver) Count(string, string, float64)           {}
