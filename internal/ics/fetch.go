package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"deskcal/internal/config"
	applog "deskcal/internal/log"
)

// FetchResult is the payload of one feed fetch.
type FetchResult struct {
	Feed      config.Feed
	Body      []byte
	FromCache bool
}

// cacheEntry holds HTTP validator state for one feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feed payloads with conditional requests and a
// disk-backed cache, so an unreachable remote degrades to the last
// known body instead of dropping the feed's events.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching under cacheDir.
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/feed-cache"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// Fetch downloads one feed, honoring ETag/Last-Modified validators.
// Network and HTTP failures fall back to the cached body when one
// exists; retrying is the caller's concern.
func (f *Fetcher) Fetch(ctx context.Context, feed config.Feed) (FetchResult, error) {
	if feed.URL == "" {
		return FetchResult{}, errors.New("ics: feed URL is empty")
	}

	dir := f.cacheDirFor(feed.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return FetchResult{}, err
	}
	meta, _ := f.loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	applog.Debug("feed fetch start", "id", feed.ID, "url", redactURL(feed.URL))
	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			applog.Error("feed fetch failed, using cached body", err, "id", feed.ID, "url", redactURL(feed.URL))
			return FetchResult{Feed: feed, Body: cached, FromCache: true}, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		entry := cacheEntry{
			URL:          feed.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    time.Now().UTC(),
		}
		if err := f.saveCache(dir, entry, body); err != nil {
			applog.Error("feed cache save failed", err, "id", feed.ID)
		}
		applog.Info("feed fetch success", "id", feed.ID, "bytes", len(body))
		return FetchResult{Feed: feed, Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, errors.New("ics: 304 with no cached body")
		}
		applog.Debug("feed not modified, using cache", "id", feed.ID)
		return FetchResult{Feed: feed, Body: cached, FromCache: true}, nil

	default:
		if len(cached) > 0 {
			applog.Error("feed fetch non-OK, using cached body", errors.New(resp.Status), "id", feed.ID, "status", resp.StatusCode)
			return FetchResult{Feed: feed, Body: cached, FromCache: true}, nil
		}
		return FetchResult{}, errors.New(resp.Status)
	}
}

func (f *Fetcher) cacheDirFor(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadMeta(dir string) (cacheEntry, error) {
	var entry cacheEntry
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return cacheEntry{}, err
	}
	return entry, nil
}

func (f *Fetcher) saveCache(dir string, entry cacheEntry, body []byte) error {
	// Body first, so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps feed paths and query tokens out of the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
