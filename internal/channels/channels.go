// Package channels resolves browser release channels to versions and
// installer URLs from the vendors' release feeds.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"

	"qualitybots/internal/cache"
)

var (
	ErrUnknownBrowser = errors.New("unknown browser")
	ErrInvalidOS      = errors.New("unsupported os")
	ErrInvalidChannel = errors.New("unsupported channel")
	ErrNotFound       = errors.New("no release for channel")
)

const (
	DefaultCacheTTL = time.Hour
	fetchAttempts   = 3
)

// Release is one (os, channel) row of a vendor feed.
type Release struct {
	Browser     string `json:"browser"`
	OS          string `json:"os"`
	Channel     string `json:"channel"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
}

type Resolver interface {
	GetVersionForChannel(ctx context.Context, browser, os, channel string) (string, error)
	GetURLForChannel(ctx context.Context, browser, os, channel string) (string, error)
	IdentifyChannel(ctx context.Context, browser, os, version string) (string, error)
}

// Source is one browser vendor's feed.
type Source interface {
	Browser() string
	NormalizeOS(os string) (string, error)
	NormalizeChannel(channel string) (string, error)
	Fetch(ctx context.Context) ([]Release, error)
}

// Registry is the Resolver over a set of Sources; feed contents are cached.
type Registry struct {
	sources map[string]Source
	cache   cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

func NewRegistry(c cache.Cache, ttl time.Duration, logger *slog.Logger, sources ...Source) *Registry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sources: lo.KeyBy(sources, func(s Source) string { return s.Browser() }),
		cache:   c,
		ttl:     ttl,
		logger:  logger,
	}
}

func (r *Registry) GetVersionForChannel(ctx context.Context, browser, os, channel string) (string, error) {
	rel, err := r.lookup(ctx, browser, os, channel)
	if err != nil {
		return "", err
	}
	return rel.Version, nil
}

func (r *Registry) GetURLForChannel(ctx context.Context, browser, os, channel string) (string, error) {
	rel, err := r.lookup(ctx, browser, os, channel)
	if err != nil {
		return "", err
	}
	return rel.DownloadURL, nil
}

// IdentifyChannel finds which channel currently ships version on os.
func (r *Registry) IdentifyChannel(ctx context.Context, browser, os, version string) (string, error) {
	src, err := r.source(browser)
	if err != nil {
		return "", err
	}
	normOS, err := src.NormalizeOS(os)
	if err != nil {
		return "", err
	}
	releases, err := r.releases(ctx, src)
	if err != nil {
		return "", err
	}
	rel, ok := lo.Find(releases, func(rel Release) bool {
		return rel.OS == normOS && rel.Version == version
	})
	if !ok {
		return "", fmt.Errorf("%w: %s %s on %s", ErrNotFound, browser, version, os)
	}
	return rel.Channel, nil
}

// Releases returns every release of browser on os, keyed by channel.
func (r *Registry) Releases(ctx context.Context, browser, os string) (map[string]Release, error) {
	src, err := r.source(browser)
	if err != nil {
		return nil, err
	}
	normOS, err := src.NormalizeOS(os)
	if err != nil {
		return nil, err
	}
	releases, err := r.releases(ctx, src)
	if err != nil {
		return nil, err
	}
	matching := lo.Filter(releases, func(rel Release, _ int) bool { return rel.OS == normOS })
	return lo.KeyBy(matching, func(rel Release) string { return rel.Channel }), nil
}

func (r *Registry) lookup(ctx context.Context, browser, os, channel string) (Release, error) {
	src, err := r.source(browser)
	if err != nil {
		return Release{}, err
	}
	normOS, err := src.NormalizeOS(os)
	if err != nil {
		return Release{}, err
	}
	normChannel, err := src.NormalizeChannel(channel)
	if err != nil {
		return Release{}, err
	}
	releases, err := r.releases(ctx, src)
	if err != nil {
		return Release{}, err
	}
	rel, ok := lo.Find(releases, func(rel Release) bool {
		return rel.OS == normOS && rel.Channel == normChannel
	})
	if !ok {
		return Release{}, fmt.Errorf("%w: %s %s on %s", ErrNotFound, browser, channel, os)
	}
	return rel, nil
}

func (r *Registry) source(browser string) (Source, error) {
	src, ok := r.sources[strings.ToLower(browser)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBrowser, browser)
	}
	return src, nil
}

func (r *Registry) releases(ctx context.Context, src Source) ([]Release, error) {
	key := "channels:" + src.Browser()
	if r.cache != nil {
		raw, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("Channel cache read failed", "browser", src.Browser(), "error", err)
		} else if ok {
			var cached []Release
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
			r.logger.Warn("Discarding undecodable channel cache entry", "browser", src.Browser())
		}
	}

	releases, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s channels: %w", src.Browser(), err)
	}
	feedFetches.WithLabelValues(src.Browser()).Inc()
	if r.cache != nil {
		raw, _ := json.Marshal(releases)
		if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
			r.logger.Warn("Channel cache write failed", "browser", src.Browser(), "error", err)
		}
	}
	return releases, nil
}

// NewHTTPClient returns a retrying client making at most three attempts.
func NewHTTPClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = nil
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.RetryMax = fetchAttempts - 1
	return client
}

func fetch(ctx context.Context, client *retryablehttp.Client, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp, nil
}

// normalize lower-cases value, applies aliases and checks it against allowed.
func normalize(value string, aliases map[string]string, allowed []string, kind error) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if alias, ok := aliases[v]; ok {
		v = alias
	}
	if !lo.Contains(allowed, v) {
		return "", fmt.Errorf("%w: %q", kind, value)
	}
	return v, nil
}
