package plugins

import (
	"io"
	"net/http"
	"regexp"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"janus-proxy/internal/config"
	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/stream"
)

// compressibleType matches the content types worth compressing.
var compressibleType = regexp.MustCompile(`(text/|/json|/javascript|/x-javascript)`)

// Compress encodes compressible responses with brotli or gzip, whichever
// the client accepts (brotli preferred).
type Compress struct {
	gzipLevel   int
	brotliLevel int
	obs         plugin.Observer
}

// NewCompress returns the compress plugin.
func NewCompress(cfg *config.Config, obs plugin.Observer) *Compress {
	if obs == nil {
		obs = plugin.NopObserver{}
	}
	return &Compress{
		gzipLevel:   cfg.Compress.GzipLevel,
		brotliLevel: cfg.Compress.BrotliLevel,
		obs:         obs,
	}
}

func (*Compress) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: NameCompress, Stages: plugin.StageResponse}
}

// encodingFor picks the response encoding, or "" to leave the body alone.
func encodingFor(reqHeader, respHeader http.Header) string {
	if respHeader.Get("Content-Encoding") != "" {
		return ""
	}
	if !compressibleType.MatchString(respHeader.Get("Content-Type")) {
		return ""
	}
	accepted := acceptedEncodings(reqHeader)
	switch {
	case accepted["br"]:
		return "br"
	case accepted["gzip"]:
		return "gzip"
	}
	return ""
}

// bodyAllowed reports whether a response to method with status may carry a
// body. Encoders emit framing bytes even for empty input.
func bodyAllowed(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status < 200, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (c *Compress) HandleResponse(req *model.ProxyRequest, src *stream.Stream, dst, _ stream.Sink) error {
	var enc string
	if bodyAllowed(req.Method, src.StatusCode()) {
		enc = encodingFor(req.Header, src.Header())
	}
	if enc == "" {
		c.obs.Count(NameCompress, "miss", 1)
		return src.Forward(dst)
	}
	c.obs.Count(NameCompress, "hit", 1)

	h := headerFrom(src)
	h.Set("Content-Encoding", enc)
	h.Del("Content-Length")
	h.Add("Vary", "Accept-Encoding")
	if err := dst.WriteHead(src.StatusCode(), h); err != nil {
		return err
	}

	out := &countingWriter{w: dst}
	var zw interface {
		io.WriteCloser
		Flush() error
	}
	switch enc {
	case "br":
		zw = brotli.NewWriterLevel(out, c.brotliLevel)
	default:
		gw, err := gzip.NewWriterLevel(out, c.gzipLevel)
		if err != nil {
			return err
		}
		zw = gw
	}

	if _, err := drain(flushWriter{zw}, src); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	c.obs.Count(NameCompress, "bytes_out", float64(out.n))
	return dst.End()
}

// flushWriter flushes the encoder after every chunk so compressed output
// keeps pace with the upstream body.
type flushWriter struct {
	zw interface {
		io.Writer
		Flush() error
	}
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.zw.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.zw.Flush()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
