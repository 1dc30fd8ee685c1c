package plugins

import (
	"bytes"
	"strconv"

	"janus-proxy/internal/config"
	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/stream"
)

// Ingress is the first response stage. It counts the bytes arriving from
// upstream and, when configured to buffer, holds the whole body back to
// send it with an exact Content-Length.
type Ingress struct {
	buffer bool
	obs    plugin.Observer
}

// NewIngress returns the ingress plugin.
func NewIngress(cfg *config.Config, obs plugin.Observer) *Ingress {
	if obs == nil {
		obs = plugin.NopObserver{}
	}
	return &Ingress{buffer: cfg.Ingress.Buffer, obs: obs}
}

func (*Ingress) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: NameIngress, Stages: plugin.StageResponse}
}

func (i *Ingress) HandleResponse(req *model.ProxyRequest, src *stream.Stream, dst, _ stream.Sink) error {
	if !i.buffer {
		if err := dst.WriteHead(src.StatusCode(), src.Header()); err != nil {
			return err
		}
		n, err := drain(dst, src)
		i.obs.Count(NameIngress, "bytes", float64(n))
		if err != nil {
			return err
		}
		return dst.End()
	}

	var body bytes.Buffer
	n, err := drain(&body, src)
	i.obs.Count(NameIngress, "bytes", float64(n))
	if err != nil {
		return err
	}
	h := headerFrom(src)
	if orig := h.Get("Content-Length"); orig != "" {
		h.Set(model.OriginalContentLengthHeader, orig)
	}
	h.Set("Content-Length", strconv.FormatInt(n, 10))
	if req.Logger != nil {
		req.Logger.Debug("ingress buffered body", "bytes", n)
	}
	if err := dst.WriteHead(src.StatusCode(), h); err != nil {
		return err
	}
	if _, err := dst.Write(body.Bytes()); err != nil {
		return err
	}
	return dst.End()
}
