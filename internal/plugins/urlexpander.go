package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"janus-proxy/internal/config"
	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
)

// URLExpander resolves links on known URL shorteners and redirects the
// client straight to the final location.
type URLExpander struct {
	hostsFile    string
	maxRedirects int
	client       *http.Client
	obs          plugin.Observer

	mu    sync.RWMutex
	hosts map[string]struct{}
}

// NewURLExpander returns the urlexpander plugin. It knows no shortener
// until Init has loaded the hosts file.
func NewURLExpander(cfg *config.Config, obs plugin.Observer) *URLExpander {
	if obs == nil {
		obs = plugin.NopObserver{}
	}
	return &URLExpander{
		hostsFile:    cfg.URLExpander.HostsFile,
		maxRedirects: cfg.URLExpander.MaxRedirects,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		obs:   obs,
		hosts: map[string]struct{}{},
	}
}

func (*URLExpander) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: NameURLExpander, Stages: plugin.StageRequest}
}

// Init loads the shortener host list.
func (u *URLExpander) Init(_ context.Context) error {
	if u.hostsFile == "" {
		return nil
	}
	f, err := os.Open(u.hostsFile)
	if err != nil {
		return fmt.Errorf("urlexpander: open hosts: %w", err)
	}
	defer func() { _ = f.Close() }()
	hosts, err := parseHostList(f)
	if err != nil {
		return fmt.Errorf("urlexpander: read hosts: %w", err)
	}
	u.SetHosts(hosts)
	return nil
}

// SetHosts replaces the shortener host list.
func (u *URLExpander) SetHosts(hosts map[string]struct{}) {
	u.mu.Lock()
	u.hosts = hosts
	u.mu.Unlock()
}

func (u *URLExpander) shortener(target *url.URL) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.hosts[strings.ToLower(target.Hostname())]
	return ok
}

func (u *URLExpander) HandleRequest(req *model.ProxyRequest, w http.ResponseWriter) (bool, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false, nil
	}
	ctx := req.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	current := req.URL
	redirected := false
	for i := 0; i < u.maxRedirects && u.shortener(current); i++ {
		next, err := u.follow(ctx, current)
		if err != nil {
			return false, err
		}
		if next == nil {
			break
		}
		u.obs.Count(NameURLExpander, "hit", 1)
		current, redirected = next, true
	}
	if !redirected {
		return false, nil
	}

	w.Header().Set("Location", current.String())
	w.WriteHeader(http.StatusFound)
	return true, nil
}

// follow fetches target and returns the redirect location it answers with,
// or nil when it does not redirect.
func (u *URLExpander) follow(ctx context.Context, target *url.URL) (*url.URL, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("urlexpander: %w", err)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return nil, nil
	}
	loc, err := resp.Location()
	if errors.Is(err, http.ErrNoLocation) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("urlexpander: bad location: %w", err)
	}
	return loc, nil
}
