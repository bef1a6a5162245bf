// Package youtube resolves channel handles and finds a channel's latest
// upload by scraping the platform's public pages and feed.
package youtube

import (
	"context"
	"strings"
	"time"

	"pingall/internal/httpx"
)

const (
	DefaultBaseURL        = "https://www.youtube.com"
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
	DefaultAcceptLanguage = "en-US,en;q=0.9"
	DefaultTimeout        = 10 * time.Second
)

// Getter is the network collaborator. *httpx.Client implements it.
type Getter interface {
	Get(ctx context.Context, url string, headers map[string]string, timeout time.Duration) (httpx.Response, error)
}

// Config is shared by Resolver and Fetcher.
type Config struct {
	BaseURL        string
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if strings.TrimSpace(c.AcceptLanguage) == "" {
		c.AcceptLanguage = DefaultAcceptLanguage
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// headers returns the browser-like headers sent with every request. Without
// them the platform tends to serve a consent or reduced page.
func (c Config) headers() map[string]string {
	return map[string]string{
		"User-Agent":      c.UserAgent,
		"Accept-Language": c.AcceptLanguage,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	}
}

// WatchURL is the canonical link for a video id.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// ThumbnailURL is the high quality still for a video id.
func ThumbnailURL(videoID string) string {
	return "https://i.ytimg.com/vi/" + videoID + "/hqdefault.jpg"
}
