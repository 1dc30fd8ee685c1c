package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"janus-proxy/internal/config"
	"janus-proxy/internal/model"
)

// entry is a registered plugin with its resolved switch.
type entry struct {
	plugin   Plugin
	name     string
	optional bool
	// defaultOn is the state used when a request carries no override token.
	defaultOn bool
}

// Registry holds the ordered request and response plugin lists. It is
// read-only after NewRegistry and safe for concurrent use.
type Registry struct {
	request  []entry
	response []entry
	all      []Plugin
	logger   *slog.Logger
}

// NewRegistry orders plugins by cfg.Pipeline and resolves each one's
// enable switch. Plugins that are statically disabled are left out.
// Listing an unknown plugin, or a plugin in a stage it does not implement,
// is a configuration error.
func NewRegistry(cfg *config.Config, plugins []Plugin, logger *slog.Logger) (*Registry, error) {
	byName := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		name := p.Descriptor().Name
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("plugin %q registered twice", name)
		}
		byName[name] = p
	}

	r := &Registry{logger: logger.With("component", "plugins")}
	seen := map[string]bool{}

	build := func(names []string, stage Stage) ([]entry, error) {
		var out []entry
		for _, name := range names {
			p, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("pipeline.%s: unknown plugin %q", stage, name)
			}
			d := p.Descriptor()
			if d.Stages&stage == 0 {
				return nil, fmt.Errorf("pipeline.%s: plugin %q does not run in this stage", stage, name)
			}
			switch stage {
			case StageRequest:
				if _, ok := p.(RequestHandler); !ok {
					return nil, fmt.Errorf("plugin %q declares the request stage but has no request handler", name)
				}
			case StageResponse:
				if _, ok := p.(ResponseHandler); !ok {
					return nil, fmt.Errorf("plugin %q declares the response stage but has no response handler", name)
				}
			}

			e, keep := resolve(cfg, p)
			if !keep {
				r.logger.Info("plugin disabled", "plugin", name, "stage", stage.String())
				continue
			}
			out = append(out, e)
			if !seen[name] {
				seen[name] = true
				r.all = append(r.all, p)
			}
		}
		return out, nil
	}

	var err error
	if r.request, err = build(cfg.Pipeline.Request, StageRequest); err != nil {
		return nil, err
	}
	if r.response, err = build(cfg.Pipeline.Response, StageResponse); err != nil {
		return nil, err
	}
	return r, nil
}

// resolve applies the static part of the enable policy. keep is false when
// the plugin can never run.
func resolve(cfg *config.Config, p Plugin) (entry, bool) {
	name := p.Descriptor().Name
	tg := cfg.PluginToggle(name)
	e := entry{plugin: p, name: name, defaultOn: true}
	switch {
	case !tg.Configured():
		// Unconfigured plugins run.
	case tg.Optional:
		e.optional = true
		e.defaultOn = tg.IsEnabled()
	case !tg.IsEnabled():
		return entry{}, false
	}
	return e, true
}

// Filter returns the plugins that run for a request carrying opts. The
// returned slices are fresh and may be modified by the caller.
func (r *Registry) Filter(opts model.Options) (request, response []Plugin) {
	return filter(r.request, opts), filter(r.response, opts)
}

func filter(entries []entry, opts model.Options) []Plugin {
	out := make([]Plugin, 0, len(entries))
	for _, e := range entries {
		on := e.defaultOn
		if e.optional {
			if v, ok := opts.Override(e.name); ok {
				on = v
			}
		}
		if on {
			out = append(out, e.plugin)
		}
	}
	return out
}

// Init runs every registered plugin's Init once. A failing plugin is logged
// and stays registered.
func (r *Registry) Init(ctx context.Context) {
	for _, p := range r.all {
		in, ok := p.(Initializer)
		if !ok {
			continue
		}
		name := p.Descriptor().Name
		if err := in.Init(ctx); err != nil {
			r.logger.Warn("plugin init failed", "plugin", name, "err", err)
			continue
		}
		r.logger.Debug("plugin initialized", "plugin", name)
	}
}

// Start runs Init in its own goroutine and returns a channel closed once
// every plugin has finished. Plugins serve traffic while still loading.
// Canceling ctx cuts initialization short.
func (r *Registry) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Init(ctx)
	}()
	return done
}

// Close releases plugins that hold background resources.
func (r *Registry) Close() error {
	var errs []error
	for _, p := range r.all {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.Descriptor().Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Names returns the names of registered plugins per stage, in order.
func (r *Registry) Names() (request, response []string) {
	for _, e := range r.request {
		request = append(request, e.name)
	}
	for _, e := range r.response {
		response = append(response, e.name)
	}
	return request, response
}
