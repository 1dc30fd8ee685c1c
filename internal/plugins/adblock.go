package plugins

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"janus-proxy/internal/config"
	"janus-proxy/internal/model"
	"janus-proxy/internal/plugin"
)

// Adblock refuses requests to hosts on a blocklist, matching the requested
// host and each of its parent domains down to two labels.
type Adblock struct {
	listURL  string
	listFile string
	client   *http.Client
	obs      plugin.Observer
	logger   *slog.Logger

	mu      sync.RWMutex
	remote  map[string]struct{}
	local   map[string]struct{}
	watcher *fsnotify.Watcher
}

// NewAdblock returns the adblock plugin. The list is empty until Init.
func NewAdblock(cfg *config.Config, obs plugin.Observer, logger *slog.Logger) *Adblock {
	if obs == nil {
		obs = plugin.NopObserver{}
	}
	return &Adblock{
		listURL:  cfg.Adblock.ListURL,
		listFile: cfg.Adblock.ListFile,
		client:   &http.Client{Timeout: 30 * time.Second},
		obs:      obs,
		logger:   logger.With("plugin", NameAdblock),
	}
}

func (*Adblock) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: NameAdblock, Stages: plugin.StageRequest}
}

// Init loads the local list and watches it for changes, then fetches the
// remote list. Both sources are optional; the first failure is returned
// after the other source has been tried.
func (a *Adblock) Init(ctx context.Context) error {
	var firstErr error
	if a.listFile != "" {
		if err := a.loadFile(); err != nil {
			firstErr = err
		}
		if err := a.watch(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.listURL != "" {
		if err := a.fetch(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Adblock) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.listURL, nil)
	if err != nil {
		return fmt.Errorf("adblock: list url: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("adblock: fetch list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adblock: fetch list: status %d", resp.StatusCode)
	}
	hosts, err := parseHostList(resp.Body)
	if err != nil {
		return fmt.Errorf("adblock: read list: %w", err)
	}

	a.mu.Lock()
	a.remote = hosts
	a.mu.Unlock()
	a.logger.Info("blocklist fetched", "url", a.listURL, "hosts", len(hosts))
	return nil
}

func (a *Adblock) loadFile() error {
	f, err := os.Open(a.listFile)
	if err != nil {
		return fmt.Errorf("adblock: open list: %w", err)
	}
	defer func() { _ = f.Close() }()
	hosts, err := parseHostList(f)
	if err != nil {
		return fmt.Errorf("adblock: read list: %w", err)
	}

	a.mu.Lock()
	a.local = hosts
	a.mu.Unlock()
	a.logger.Info("blocklist loaded", "file", a.listFile, "hosts", len(hosts))
	return nil
}

func (a *Adblock) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("adblock: watch list: %w", err)
	}
	if err := watcher.Add(a.listFile); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("adblock: watch list: %w", err)
	}
	a.mu.Lock()
	a.watcher = watcher
	a.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := a.loadFile(); err != nil {
					a.logger.Warn("blocklist reload failed", "err", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("blocklist watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops watching the list file.
func (a *Adblock) Close() error {
	a.mu.Lock()
	w := a.watcher
	a.watcher = nil
	a.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Blocked reports whether host or one of its parent domains is listed.
func (a *Adblock) Blocked(host string) bool {
	labels := strings.Split(strings.TrimSuffix(strings.ToLower(hostname(host)), "."), ".")

	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := 0; i <= len(labels)-2; i++ {
		candidate := strings.Join(labels[i:], ".")
		if _, ok := a.remote[candidate]; ok {
			return true
		}
		if _, ok := a.local[candidate]; ok {
			return true
		}
	}
	return false
}

func (a *Adblock) HandleRequest(req *model.ProxyRequest, w http.ResponseWriter) (bool, error) {
	if !a.Blocked(req.Host()) {
		return false, nil
	}
	a.obs.Count(NameAdblock, "blocked", 1)
	if req.Logger != nil {
		req.Logger.Info("request blocked", "host", req.Host())
	}
	w.WriteHeader(http.StatusForbidden)
	return true, nil
}

// parseHostList reads one host per line. Blank lines and '#' comments are
// skipped; in hosts-file lines ("0.0.0.0 ads.example") the last field wins.
func parseHostList(r io.Reader) (map[string]struct{}, error) {
	hosts := map[string]struct{}{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		hosts[strings.ToLower(fields[len(fields)-1])] = struct{}{}
	}
	return hosts, sc.Err()
}

// hostname strips an optional port from host.
func hostname(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.IndexByte(host, ']'); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}
