// Package plugins contains the built-in request and response plugins.
package plugins

import (
	"io"
	"net/http"
	"strings"

	"janus-proxy/internal/stream"
)

// Plugin names as used in [pipeline] lists, config sections and the
// X-Janus-Options header.
const (
	NameAdblock     = "adblock"
	NameURLExpander = "urlexpander"
	NameCache       = "cache"
	NameIngress     = "ingress"
	NameCompress    = "compress"
	NameFork        = "fork"
	NameGunzip      = "gunzip"
)

// acceptedEncodings returns the lower-cased codings listed in h's
// Accept-Encoding values, leaving out those refused with q=0.
func acceptedEncodings(h http.Header) map[string]bool {
	accepted := map[string]bool{}
	for _, v := range h.Values("Accept-Encoding") {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
				continue
			}
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				accepted[name] = true
			}
		}
	}
	return accepted
}

// acceptsEncoding reports whether a client sending reqHeader can decode a
// body carrying the Content-Encoding value enc.
func acceptsEncoding(reqHeader http.Header, enc string) bool {
	enc = strings.ToLower(strings.TrimSpace(enc))
	if enc == "" || enc == "identity" {
		return true
	}
	accepted := acceptedEncodings(reqHeader)
	if accepted["*"] {
		return true
	}
	for _, coding := range strings.Split(enc, ",") {
		coding = strings.TrimSpace(coding)
		if coding == "x-gzip" {
			coding = "gzip"
		}
		if !accepted[coding] && !(coding == "gzip" && accepted["x-gzip"]) {
			return false
		}
	}
	return true
}

// drain resumes src and copies its body into w until src ends. It returns
// the number of bytes copied and the first read or write error.
func drain(w io.Writer, src *stream.Stream) (int64, error) {
	src.Resume()
	buf := make([]byte, 32<<10)
	var n int64
	for {
		m, rerr := src.Read(buf)
		if m > 0 {
			if _, werr := w.Write(buf[:m]); werr != nil {
				return n, werr
			}
			n += int64(m)
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

// headerFrom returns a writable copy of src's header.
func headerFrom(src *stream.Stream) http.Header {
	return src.Header().Clone()
}
