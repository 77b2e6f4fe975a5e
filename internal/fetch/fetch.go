// Package fetch downloads tile bytes from remote tile servers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"tilecache/internal/cacheerr"
	"tilecache/internal/metrics"
)

// DefaultUserAgent identifies the seeder to tile servers that require one.
const DefaultUserAgent = "tilecache/1.0"

// maxTileSize bounds a single response body.
const maxTileSize = 32 << 20

// Fetcher retrieves the bytes behind a tile URL. Failures are
// *cacheerr.NetworkError values.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the net/http Fetcher.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	log       *log.Entry
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher whose requests give up after timeout.
// A zero timeout means 30 seconds.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		log:       log.WithField("component", "fetch"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = errors.New("url must be absolute http(s)")
		}
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindInvalidURL, URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindInvalidURL, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("error").Inc()
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindConnection, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		metrics.UpstreamRequests.WithLabelValues("notfound").Inc()
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindNotFound, URL: rawURL, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.UpstreamRequests.WithLabelValues("status").Inc()
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindStatus, URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileSize+1))
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("error").Inc()
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindConnection, URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxTileSize {
		metrics.UpstreamRequests.WithLabelValues("status").Inc()
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindStatus, URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("tile larger than %d bytes", maxTileSize)}
	}
	if len(body) == 0 {
		// zero byte tiles are treated as missing
		metrics.UpstreamRequests.WithLabelValues("notfound").Inc()
		return nil, &cacheerr.NetworkError{Kind: cacheerr.KindNotFound, URL: rawURL, StatusCode: resp.StatusCode,
			Err: errors.New("empty tile")}
	}

	metrics.UpstreamRequests.WithLabelValues("ok").Inc()
	f.log.Debugf("fetched %s, %.3fs, %.2f kb", rawURL, time.Since(start).Seconds(), float32(len(body))/1024.0)
	return body, nil
}
