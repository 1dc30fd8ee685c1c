package plugins

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/stream"
)

// Gunzip decodes gzip-encoded upstream bodies so the stages after it, the
// cache included, only see identity-encoded bytes.
type Gunzip struct {
	obs plugin.Observer
}

// NewGunzip returns the gunzip plugin.
func NewGunzip(obs plugin.Observer) *Gunzip {
	if obs == nil {
		obs = plugin.NopObserver{}
	}
	return &Gunzip{obs: obs}
}

func (*Gunzip) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: NameGunzip, Stages: plugin.StageResponse}
}

func gzipEncoded(enc string) bool {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "gzip", "x-gzip":
		return true
	}
	return false
}

func (g *Gunzip) HandleResponse(req *model.ProxyRequest, src *stream.Stream, dst, _ stream.Sink) error {
	if !gzipEncoded(src.Header().Get("Content-Encoding")) || !bodyAllowed(req.Method, src.StatusCode()) {
		return src.Forward(dst)
	}

	h := headerFrom(src)
	h.Del("Content-Encoding")
	h.Del("Content-Length")

	src.Resume()
	zr, err := gzip.NewReader(src)
	if errors.Is(err, io.EOF) {
		// Empty body despite the header.
		if err := dst.WriteHead(src.StatusCode(), h); err != nil {
			return err
		}
		return dst.End()
	}
	if err != nil {
		return fmt.Errorf("gunzip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	if err := dst.WriteHead(src.StatusCode(), h); err != nil {
		return err
	}
	n, err := io.Copy(dst, zr)
	if err != nil {
		return fmt.Errorf("gunzip: %w", err)
	}
	g.obs.Count(NameGunzip, "decoded", 1)
	g.obs.Count(NameGunzip, "bytes_out", float64(n))
	return dst.End()
}
