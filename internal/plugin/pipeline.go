package plugin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"janus-proxy/internal/model"
	"janus-proxy/internal/stream"
)

// Tap receives the fan-out stream of a shortcut plugin. It owns s and must
// resume and consume it.
type Tap func(req *model.ProxyRequest, plugin string, s *stream.Stream)

// Pipeline runs the request and response plugin chains.
type Pipeline struct {
	registry *Registry
	obs      Observer
	logger   *slog.Logger
	tap      Tap
}

// NewPipeline returns a Pipeline over reg. obs may be nil.
func NewPipeline(reg *Registry, obs Observer, logger *slog.Logger) *Pipeline {
	if obs == nil {
		obs = NopObserver{}
	}
	p := &Pipeline{
		registry: reg,
		obs:      obs,
		logger:   logger.With("component", "pipeline"),
	}
	p.tap = p.drainTap
	return p
}

// SetTap replaces the default fan-out consumer, which drains the stream and
// counts its bytes.
func (p *Pipeline) SetTap(t Tap) { p.tap = t }

// Filter returns the plugins that run for a request carrying opts.
func (p *Pipeline) Filter(opts model.Options) (request, response []Plugin) {
	return p.registry.Filter(opts)
}

// drainTap counts what it read even when the chain is aborted midway.
func (p *Pipeline) drainTap(_ *model.ProxyRequest, plugin string, s *stream.Stream) {
	s.Resume()
	go func() {
		n, _ := io.Copy(io.Discard, s)
		p.obs.Count(plugin, "tap_bytes", float64(n))
	}()
}

func (p *Pipeline) log(req *model.ProxyRequest) *slog.Logger {
	if req.Logger != nil {
		return req.Logger
	}
	return p.logger
}

// HandleRequest offers req to each plugin in order until one handles it.
// A failing plugin counts as not handled. It reports whether a plugin
// answered the client.
func (p *Pipeline) HandleRequest(req *model.ProxyRequest, plugins []Plugin, w http.ResponseWriter) bool {
	for _, pl := range plugins {
		name := pl.Descriptor().Name
		h, ok := pl.(RequestHandler)
		if !ok {
			continue
		}

		start := time.Now()
		handled, err := runRequest(name, h, req, w)
		p.obs.StageDone(name, "request", time.Since(start))
		if err != nil {
			p.obs.PluginFailed(name, "request")
			p.log(req).Warn("request plugin failed", "plugin", name, "err", err)
			continue
		}
		if handled {
			p.log(req).Debug("request handled by plugin", "plugin", name)
			return true
		}
	}
	return false
}

func runRequest(name string, h RequestHandler, req *model.ProxyRequest, w http.ResponseWriter) (handled bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			handled, err = false, fmt.Errorf("%w: %s: panic: %v", ErrPluginFailure, name, v)
		}
	}()
	handled, err = h.HandleRequest(req, w)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrPluginFailure, name, err)
	}
	return handled, nil
}

// chain is the set of streams wired for one response.
type chain struct {
	streams []*stream.Stream
	client  stream.Sink
	aborted atomic.Bool
}

// abort terminates every stream of the chain and the client response.
func (c *chain) abort(err error) {
	if !c.aborted.CompareAndSwap(false, true) {
		return
	}
	c.client.Abort(err)
	for _, s := range c.streams {
		s.Abort(err)
	}
}

type link struct {
	name    string
	handler ResponseHandler
	src     *stream.Stream
	dst     stream.Sink
}

// HandleResponse threads src through plugins into client and returns once
// the chain is wired. Each plugin runs in its own goroutine as soon as its
// source has a head. Completion and failure are observed on client.
func (p *Pipeline) HandleResponse(req *model.ProxyRequest, plugins []Plugin, src *stream.Stream, client stream.Sink) {
	var links []link
	var shortcut []bool
	for _, pl := range plugins {
		if h, ok := pl.(ResponseHandler); ok {
			d := pl.Descriptor()
			links = append(links, link{name: d.Name, handler: h})
			shortcut = append(shortcut, d.Shortcut)
		}
	}
	if len(links) == 0 {
		if err := src.Forward(client); err != nil {
			client.Abort(err)
		}
		return
	}

	ch := &chain{streams: []*stream.Stream{src}, client: client}
	var fanout *stream.Stream
	current := src
	for i := range links {
		links[i].src = current
		if shortcut[i] || i < len(links)-1 {
			next := stream.New(links[i].name)
			ch.streams = append(ch.streams, next)
			links[i].dst = next
			current = next
		} else {
			links[i].dst = client
		}
		if shortcut[i] {
			fanout = current
			links = links[:i+1]
			break
		}
	}

	for _, s := range ch.streams {
		s.OnClose(ch.abort)
	}
	if req.Ctx != nil {
		context.AfterFunc(req.Ctx, func() { ch.abort(context.Cause(req.Ctx)) })
	}
	if fanout != nil {
		p.tap(req, links[len(links)-1].name, fanout)
	}

	for _, l := range links {
		l := l
		l.src.OnHead(func() { p.runResponse(req, l, client, ch) })
	}
}

func (p *Pipeline) runResponse(req *model.ProxyRequest, l link, client stream.Sink, ch *chain) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if v := recover(); v != nil {
				err = fmt.Errorf("panic: %v", v)
			}
		}()
		return l.handler.HandleResponse(req, l.src, l.dst, client)
	}()
	p.obs.StageDone(l.name, "response", time.Since(start))
	if err == nil {
		return
	}
	p.obs.PluginFailed(l.name, "response")
	p.log(req).Warn("response plugin failed", "plugin", l.name, "err", err)
	ch.abort(fmt.Errorf("%w: %s: %w", ErrPluginFailure, l.name, err))
}
