package youtube

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"pingall/internal/model"
	logx "pingall/pkg/logx"
)

// Source names, in tie-break order.
const (
	SourceFeed   = "feed"
	SourceShorts = "shorts"
	SourceVideos = "videos"
)

// RecencyPolicy sets how far behind "now" each scraped source is ranked.
// Scraped pages carry no publish time, so a fresh shorts listing is trusted
// slightly more than a fresh videos listing.
type RecencyPolicy struct {
	ShortsOffset time.Duration
	VideosOffset time.Duration
}

func DefaultRecencyPolicy() RecencyPolicy {
	return RecencyPolicy{ShortsOffset: 0, VideosOffset: time.Minute}
}

var (
	videoIDPattern = regexp.MustCompile(`"videoId":"([a-zA-Z0-9_-]{11})"`)
	titlePatterns  = []*regexp.Regexp{
		regexp.MustCompile(`"title":\{"runs":\[\{"text":"((?:[^"\\]|\\.)*)"`),
	}
	shortsIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"reelWatchEndpoint":\{"videoId":"([a-zA-Z0-9_-]{11})"`),
		videoIDPattern,
	}
	shortsTitlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`"headline":\{"simpleText":"((?:[^"\\]|\\.)*)"`),
		// "<title>, 1.2 million views - play Short"; titles may contain ", <digit>".
		regexp.MustCompile(`"accessibilityText":"((?:[^"\\]|\\.)*?), [\d.,]+(?:\s?[KMB]| thousand| million| billion)? views?\b[^"]*"`),
		titlePatterns[0],
	}
)

const fallbackTitle = "latest upload"

// source produces at most one candidate. ok=false means no data.
type source struct {
	name string
	run  func(ctx context.Context, ch model.ChannelIdentity, now time.Time) (model.ContentCandidate, bool)
}

// Fetcher queries every source for a channel and keeps the most recent
// candidate.
type Fetcher struct {
	mu      sync.RWMutex
	cfg     Config
	get     Getter
	policy  RecencyPolicy
	log     logx.Logger
	now     func() time.Time
	sources []source
}

func NewFetcher(cfg Config, policy RecencyPolicy, get Getter, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fetcher{cfg: cfg.withDefaults(), get: get, policy: policy, log: log, now: time.Now}
	f.sources = []source{
		{name: SourceFeed, run: f.fetchFeed},
		{name: SourceShorts, run: f.fetchShorts},
		{name: SourceVideos, run: f.fetchVideos},
	}
	return f
}

// Apply swaps the request settings and recency policy for later fetches.
func (f *Fetcher) Apply(cfg Config, policy RecencyPolicy) {
	f.mu.Lock()
	f.cfg, f.policy = cfg.withDefaults(), policy
	f.mu.Unlock()
}

func (f *Fetcher) settings() (Config, RecencyPolicy) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg, f.policy
}

// SetClock replaces the time source used for synthetic recency.
func (f *Fetcher) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

// FetchLatest returns the newest candidate across all sources. A source that
// fails or times out simply contributes nothing; ok=false means no source
// produced anything this cycle.
func (f *Fetcher) FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool) {
	now := f.now()
	pool := make([]model.ContentCandidate, 0, len(f.sources))
	for _, p := range f.sources {
		if ctx.Err() != nil {
			break
		}
		c, ok := p.run(ctx, ch, now)
		if !ok {
			f.log.Debug("source empty", logx.String("source", p.name), logx.String("channel", ch.ID))
			continue
		}
		c.Source = p.name
		pool = append(pool, c)
	}
	return Pick(pool)
}

// Pick returns the candidate with the greatest Recency. On a tie the earlier
// candidate wins.
func Pick(pool []model.ContentCandidate) (model.ContentCandidate, bool) {
	if len(pool) == 0 {
		return model.ContentCandidate{}, false
	}
	best := pool[0]
	for _, c := range pool[1:] {
		if c.Recency.After(best.Recency) {
			best = c
		}
	}
	return best, true
}

func (f *Fetcher) fetch(ctx context.Context, u string) ([]byte, bool) {
	cfg, _ := f.settings()
	resp, err := f.get.Get(ctx, u, cfg.headers(), cfg.Timeout)
	if err != nil {
		f.log.Debug("fetch failed", logx.String("url", u), logx.Err(err))
		return nil, false
	}
	if len(resp.Body) == 0 {
		return nil, false
	}
	return resp.Body, true
}

func (f *Fetcher) fetchFeed(ctx context.Context, ch model.ChannelIdentity, now time.Time) (model.ContentCandidate, bool) {
	q := url.Values{}
	q.Set("channel_id", ch.ID)
	// Cache buster; the feed endpoint is aggressively cached at the edge.
	q.Set("v", strconv.FormatInt(now.Unix(), 10))
	cfg, _ := f.settings()
	body, ok := f.fetch(ctx, cfg.BaseURL+"/feeds/videos.xml?"+q.Encode())
	if !ok {
		return model.ContentCandidate{}, false
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil || len(feed.Items) == 0 {
		return model.ContentCandidate{}, false
	}
	item := feed.Items[0]

	videoID := feedVideoID(item)
	c := model.ContentCandidate{Title: item.Title, URL: item.Link, VideoID: videoID}
	if videoID != "" {
		c.URL = WatchURL(videoID)
		c.Thumbnail = ThumbnailURL(videoID)
	}
	if c.URL == "" {
		return model.ContentCandidate{}, false
	}
	if c.Title == "" {
		c.Title = fallbackTitle
	}
	// No publish time means lowest confidence: the zero time ranks oldest.
	if item.PublishedParsed != nil {
		c.Recency = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		c.Recency = *item.UpdatedParsed
	}
	return c, true
}

func feedVideoID(item *gofeed.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		if vals := yt["videoId"]; len(vals) > 0 {
			return vals[0].Value
		}
	}
	if u, err := url.Parse(item.Link); err == nil {
		return u.Query().Get("v")
	}
	return ""
}

func (f *Fetcher) fetchShorts(ctx context.Context, ch model.ChannelIdentity, now time.Time) (model.ContentCandidate, bool) {
	cfg, policy := f.settings()
	body, ok := f.fetch(ctx, cfg.BaseURL+"/channel/"+url.PathEscape(ch.ID)+"/shorts")
	if !ok {
		return model.ContentCandidate{}, false
	}
	return scrapeCandidate(body, shortsIDPatterns, shortsTitlePatterns, now.Add(-policy.ShortsOffset))
}

func (f *Fetcher) fetchVideos(ctx context.Context, ch model.ChannelIdentity, now time.Time) (model.ContentCandidate, bool) {
	cfg, policy := f.settings()
	body, ok := f.fetch(ctx, cfg.BaseURL+"/channel/"+url.PathEscape(ch.ID)+"/videos")
	if !ok {
		return model.ContentCandidate{}, false
	}
	return scrapeCandidate(body, []*regexp.Regexp{videoIDPattern}, titlePatterns, now.Add(-policy.VideosOffset))
}

func scrapeCandidate(body []byte, idPatterns, titles []*regexp.Regexp, recency time.Time) (model.ContentCandidate, bool) {
	id, ok := firstSubmatch(body, idPatterns)
	if !ok {
		return model.ContentCandidate{}, false
	}
	title := fallbackTitle
	if raw, ok := firstSubmatch(body, titles); ok {
		if t := decodeScraped(raw); t != "" {
			title = t
		}
	}
	return model.ContentCandidate{
		Title:     title,
		URL:       WatchURL(id),
		VideoID:   id,
		Thumbnail: ThumbnailURL(id),
		Recency:   recency,
	}, true
}
