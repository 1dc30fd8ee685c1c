package plugins

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"janus-proxy/internal/cache"
	"janus-proxy/internal/config"
	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/stream"
)

// CacheHeader tells the client whether a response came from the cache.
const CacheHeader = "X-Janus-Cache"

// Cache answers GET requests from stored responses and stores cacheable
// upstream responses as they stream past.
type Cache struct {
	cache      *cache.Cache
	defaultTTL time.Duration
	maxTTL     time.Duration
	obs        plugin.Observer
	now        func() time.Time
}

// NewCache returns the cache plugin over c.
func NewCache(cfg *config.Config, c *cache.Cache, obs plugin.Observer) *Cache {
	if obs == nil {
		obs = plugin.NopObserver{}
	}
	return &Cache{
		cache:      c,
		defaultTTL: time.Duration(cfg.Cache.DefaultExpireSeconds) * time.Second,
		maxTTL:     time.Duration(cfg.Cache.MaxExpireSeconds) * time.Second,
		obs:        obs,
		now:        time.Now,
	}
}

func (*Cache) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: NameCache, Stages: plugin.StageRequest | plugin.StageResponse}
}

func keyOf(req *model.ProxyRequest) string {
	return cache.Key(req.Host(), req.URL.RequestURI())
}

func (c *Cache) HandleRequest(req *model.ProxyRequest, w http.ResponseWriter) (bool, error) {
	lookup, onlyIfCached := cache.RequestLookup(req.Method, req.Header)
	if !lookup {
		c.obs.Count(NameCache, "bypass", 1)
		return false, nil
	}

	e, err := c.cache.Load(req.Ctx, keyOf(req))
	if err == nil && !acceptsEncoding(req.Header, e.Header.Get("Content-Encoding")) {
		// Stored encoded for another client; refetch and let the response
		// replace it.
		c.obs.Count(NameCache, "encoding_mismatch", 1)
		err = cache.ErrNotFound
	}
	switch {
	case err == nil:
		c.obs.Count(NameCache, "hit", 1)
		h := w.Header()
		for k, vs := range e.Header {
			h[k] = vs
		}
		model.StripHopByHop(h)
		h.Set("Content-Length", strconv.Itoa(len(e.Body)))
		h.Set(CacheHeader, "HIT")
		w.WriteHeader(e.StatusCode)
		_, err = w.Write(e.Body)
		return true, err
	case errors.Is(err, cache.ErrNotFound):
	default:
		// A broken backend degrades to a miss.
		if req.Logger != nil {
			req.Logger.Warn("cache load failed", "err", err)
		}
	}

	c.obs.Count(NameCache, "miss", 1)
	if onlyIfCached {
		w.Header().Set(CacheHeader, "MISS")
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		return true, nil
	}
	return false, nil
}

func (c *Cache) HandleResponse(req *model.ProxyRequest, src *stream.Stream, dst, _ stream.Sink) error {
	status, header := src.StatusCode(), src.Header()
	if !cache.Cacheable(req.Method, req.Header, status, header) {
		return src.Forward(dst)
	}
	now := c.now()
	ttl := cache.Freshness(header, now, c.defaultTTL, c.maxTTL)
	if ttl <= 0 {
		return src.Forward(dst)
	}

	if err := dst.WriteHead(status, header); err != nil {
		return err
	}
	var body bytes.Buffer
	tee := &teeWriter{dst: dst, buf: &body}
	if _, err := drain(tee, src); err != nil {
		return err
	}
	if err := dst.End(); err != nil {
		return err
	}

	e := &cache.Entry{
		StatusCode: status,
		Header:     header.Clone(),
		Body:       body.Bytes(),
		Expires:    now.Add(ttl),
	}
	model.StripHopByHop(e.Header)
	ctx := context.Background()
	if req.Ctx != nil {
		ctx = context.WithoutCancel(req.Ctx)
	}
	if err := c.cache.Save(ctx, keyOf(req), e, ttl); err != nil && req.Logger != nil {
		req.Logger.Debug("response not cached", "err", err)
	}
	return nil
}

// teeWriter writes to dst and keeps a copy of what dst accepted.
type teeWriter struct {
	dst stream.Sink
	buf *bytes.Buffer
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.dst.Write(p)
	t.buf.Write(p[:n])
	return n, err
}
