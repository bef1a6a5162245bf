package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"

	"pingall/internal/model"
	logx "pingall/pkg/logx"
)

// ErrResolution covers every way a handle can fail to resolve: unknown
// channel, network failure, timeout. Callers cannot tell them apart.
var ErrResolution = errors.New("channel not found")

// Order matters: the most reliable pattern goes first and the first match
// wins.
var channelIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://www\.youtube\.com/channel/(UC[a-zA-Z0-9_-]{22})`),
	regexp.MustCompile(`"externalId":"(UC[a-zA-Z0-9_-]{22})"`),
	regexp.MustCompile(`meta itemprop="identifier" content="(UC[a-zA-Z0-9_-]{22})"`),
}

var channelNamePattern = regexp.MustCompile(`"name":"((?:[^"\\]|\\.)*)"`)

// Resolver turns user input into a ChannelIdentity.
type Resolver struct {
	mu  sync.RWMutex
	cfg Config
	get Getter
	log logx.Logger
}

func NewResolver(cfg Config, get Getter, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{cfg: cfg.withDefaults(), get: get, log: log}
}

// Apply swaps the request settings for later lookups.
func (r *Resolver) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Resolve accepts a canonical channel id as is (no network) or looks up a
// handle's profile page. It does not retry.
func (r *Resolver) Resolve(ctx context.Context, raw string) (model.ChannelIdentity, error) {
	handle := model.NormalizeHandle(raw)
	if handle == "" {
		return model.ChannelIdentity{}, fmt.Errorf("%w: empty handle", ErrResolution)
	}
	if model.IsCanonicalChannelID(handle) {
		return model.ChannelIdentity{ID: handle, Name: handle}, nil
	}

	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()
	u := cfg.BaseURL + "/@" + url.PathEscape(handle)
	resp, err := r.get.Get(ctx, u, cfg.headers(), cfg.Timeout)
	if err != nil {
		r.log.Debug("profile fetch failed", logx.String("handle", handle), logx.Err(err))
		return model.ChannelIdentity{}, fmt.Errorf("%w: %s", ErrResolution, handle)
	}

	id, ok := firstSubmatch(resp.Body, channelIDPatterns)
	if !ok {
		return model.ChannelIdentity{}, fmt.Errorf("%w: %s", ErrResolution, handle)
	}

	name := handle
	if m := channelNamePattern.FindSubmatch(resp.Body); m != nil {
		if n := decodeScraped(string(m[1])); n != "" {
			name = n
		}
	}
	return model.ChannelIdentity{ID: id, Name: name}, nil
}
