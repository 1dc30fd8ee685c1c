package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives holds parsed Cache-Control directives. Valueless directives
// map to the empty string.
type Directives map[string]string

// ParseCacheControl parses every Cache-Control value of h. Pragma: no-cache
// is treated as Cache-Control: no-cache.
func ParseCacheControl(h http.Header) Directives {
	d := Directives{}
	for _, v := range h.Values("Cache-Control") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			d[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	if strings.EqualFold(h.Get("Pragma"), "no-cache") {
		if _, ok := d["no-cache"]; !ok {
			d["no-cache"] = ""
		}
	}
	return d
}

// Has reports whether the directive is present.
func (d Directives) Has(name string) bool {
	_, ok := d[name]
	return ok
}

// seconds returns a delta-seconds directive value.
func (d Directives) seconds(name string) (int64, bool) {
	v, ok := d[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RequestLookup reports whether a request may be answered from cache, and
// whether the client demands a cached answer only.
func RequestLookup(method string, h http.Header) (lookup, onlyIfCached bool) {
	if method != http.MethodGet || h.Get("Authorization") != "" || h.Get("Range") != "" {
		return false, false
	}
	d := ParseCacheControl(h)
	if d.Has("no-cache") {
		return false, false
	}
	if n, ok := d.seconds("max-age"); ok && n == 0 {
		return false, false
	}
	return true, d.Has("only-if-cached")
}

// Cacheable reports whether the response to a request may be stored.
func Cacheable(method string, reqHeader http.Header, status int, respHeader http.Header) bool {
	if method != http.MethodGet || reqHeader.Get("Authorization") != "" || reqHeader.Get("Range") != "" {
		return false
	}
	if status != http.StatusOK {
		return false
	}
	if ParseCacheControl(reqHeader).Has("no-store") {
		return false
	}
	if respHeader.Get("Accept-Ranges") != "" || respHeader.Get("Content-Range") != "" {
		return false
	}
	d := ParseCacheControl(respHeader)
	if d.Has("no-store") || d.Has("private") {
		return false
	}
	return varyAcceptable(respHeader)
}

// varyAcceptable allows no Vary header or exactly Vary: Accept-Encoding.
func varyAcceptable(h http.Header) bool {
	values := h.Values("Vary")
	if len(values) == 0 {
		return true
	}
	var fields []string
	for _, v := range values {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	return len(fields) == 1 && strings.EqualFold(fields[0], "Accept-Encoding")
}

// Freshness returns how long a response may still be served from cache:
// its lifetime from s-maxage, max-age, Expires minus Date, or def (in that
// order of precedence), minus its current age, clamped to [0, ceiling].
func Freshness(h http.Header, now time.Time, def, ceiling time.Duration) time.Duration {
	d := ParseCacheControl(h)

	date := now
	if t, err := http.ParseTime(h.Get("Date")); err == nil {
		date = t
	}

	var lifetime time.Duration
	if n, ok := d.seconds("s-maxage"); ok {
		lifetime = time.Duration(n) * time.Second
	} else if n, ok := d.seconds("max-age"); ok {
		lifetime = time.Duration(n) * time.Second
	} else if exp := h.Get("Expires"); exp != "" {
		// An unparseable Expires means already expired.
		if t, err := http.ParseTime(exp); err == nil {
			lifetime = t.Sub(date)
		}
	} else {
		lifetime = def
	}

	age := max0(now.Sub(date))
	if n, err := strconv.ParseInt(h.Get("Age"), 10, 64); err == nil {
		if a := time.Duration(n) * time.Second; a > age {
			age = a
		}
	}

	fresh := lifetime - age
	if fresh > ceiling {
		fresh = ceiling
	}
	return max0(fresh)
}

func max0(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
