package plugins

import (
	"io"

	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/stream"
)

// Fork is a shortcut plugin: it writes its source to the client and to the
// pipeline's fan-out stream at the same time.
type Fork struct {
	obs plugin.Observer
}

// NewFork returns the fork plugin.
func NewFork(obs plugin.Observer) *Fork {
	if obs == nil {
		obs = plugin.NopObserver{}
	}
	return &Fork{obs: obs}
}

func (*Fork) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: NameFork, Stages: plugin.StageResponse, Shortcut: true}
}

func (f *Fork) HandleResponse(_ *model.ProxyRequest, src *stream.Stream, side, client stream.Sink) error {
	f.obs.Count(NameFork, "hit", 1)
	for _, s := range []stream.Sink{client, side} {
		if err := s.WriteHead(src.StatusCode(), src.Header()); err != nil {
			return err
		}
	}
	if _, err := drain(io.MultiWriter(client, side), src); err != nil {
		return err
	}
	if err := side.End(); err != nil {
		return err
	}
	return client.End()
}
