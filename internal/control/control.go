// Package control holds the tenant-facing operations shared by the chat
// commands and the web panel: add and remove watched channels, change the
// template or sink, read status, and issue or check panel keys.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pingall/internal/eventbus"
	"pingall/internal/format"
	"pingall/internal/model"
	"pingall/internal/storage"
	"pingall/internal/youtube"
	logx "pingall/pkg/logx"
)

var (
	ErrNoSink       = errors.New("no notification channel set")
	ErrNoChannels   = errors.New("no channels watched")
	ErrNoContent    = errors.New("no recent upload found")
	ErrNotFound     = errors.New("channel not watched")
	ErrEmptyInput   = errors.New("empty input")
	ErrTemplateSize = errors.New("template too long")
)

const maxTemplateLen = 1000

// TestBanner prefixes /try messages.
const TestBanner = "[test] "

type Resolver interface {
	Resolve(ctx context.Context, raw string) (model.ChannelIdentity, error)
}

type Fetcher interface {
	FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool)
}

type Sink interface {
	Dispatch(ctx context.Context, ev model.NotificationEvent) error
}

// Actor identifies who triggered an operation, for the audit trail.
type Actor struct {
	ID       int64
	Username string
	Surface  string // "chat" or "panel"
}

type Config struct {
	DefaultTemplate string
	Marker          string
}

type Deps struct {
	Store    storage.Store
	Resolver Resolver
	Fetcher  Fetcher
	Sink     Sink
	Bus      eventbus.Bus
}

type Service struct {
	deps Deps
	log  logx.Logger

	cmu sync.RWMutex
	cfg Config

	// serializes read-modify-write of tenant records
	mu sync.Mutex
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

func (s *Service) Apply(cfg Config) {
	s.cmu.Lock()
	s.cfg = cfg
	s.cmu.Unlock()
}

func (s *Service) config() Config {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return s.cfg
}

// AddResult is what an add returns to the caller.
type AddResult struct {
	Channel model.ChannelIdentity
	Added   bool // false when already watched
	Preview *model.ContentCandidate
}

// Status reads a tenant's config.
func (s *Service) Status(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error) {
	return s.load(ctx, tenant)
}

// AddChannel resolves raw and appends it to the watch list. Adding a channel
// that is already watched changes nothing.
func (s *Service) AddChannel(ctx context.Context, tenant model.TenantID, actor Actor, raw string) (AddResult, error) {
	if strings.TrimSpace(raw) == "" {
		return AddResult{}, ErrEmptyInput
	}
	ident, err := s.deps.Resolver.Resolve(ctx, raw)
	if err != nil {
		s.audit(ctx, tenant, actor, "add", raw, err)
		return AddResult{}, err
	}

	res := AddResult{Channel: ident}
	err = s.mutate(ctx, tenant, func(cfg *model.TenantConfig) (bool, error) {
		res.Added = cfg.AddChannel(model.WatchedChannel{ID: ident.ID, Name: ident.Name})
		return res.Added, nil
	})
	s.audit(ctx, tenant, actor, "add", ident.ID, err)
	if err != nil {
		return AddResult{}, err
	}
	if res.Added {
		s.changed(tenant, "add", ident.ID)
	}
	if c, ok := s.deps.Fetcher.FetchLatest(ctx, ident); ok {
		res.Preview = &c
	}
	return res, nil
}

// RemoveChannel drops a watched channel by id.
func (s *Service) RemoveChannel(ctx context.Context, tenant model.TenantID, actor Actor, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return ErrEmptyInput
	}
	err := s.mutate(ctx, tenant, func(cfg *model.TenantConfig) (bool, error) {
		if !cfg.RemoveChannel(channelID) {
			return false, ErrNotFound
		}
		return true, nil
	})
	s.audit(ctx, tenant, actor, "remove", channelID, err)
	if err == nil {
		s.changed(tenant, "remove", channelID)
	}
	return err
}

// UpdateTemplate replaces the message template verbatim.
func (s *Service) UpdateTemplate(ctx context.Context, tenant model.TenantID, actor Actor, tmpl string) error {
	if strings.TrimSpace(tmpl) == "" {
		return ErrEmptyInput
	}
	if len(tmpl) > maxTemplateLen {
		return ErrTemplateSize
	}
	err := s.mutate(ctx, tenant, func(cfg *model.TenantConfig) (bool, error) {
		if cfg.Template == tmpl {
			return false, nil
		}
		cfg.Template = tmpl
		return true, nil
	})
	s.audit(ctx, tenant, actor, "template", "", err)
	if err == nil {
		s.changed(tenant, "template", "")
	}
	return err
}

// SetSink points notifications at a chat (and topic). label, when given,
// replaces the tenant's display label.
func (s *Service) SetSink(ctx context.Context, tenant model.TenantID, actor Actor, sink model.SinkRef, label string) error {
	err := s.mutate(ctx, tenant, func(cfg *model.TenantConfig) (bool, error) {
		cfg.Sink = &sink
		if l := strings.TrimSpace(label); l != "" {
			cfg.Label = l
		}
		return true, nil
	})
	s.audit(ctx, tenant, actor, "sink", fmt.Sprintf("%d:%d", sink.ChatID, sink.ThreadID), err)
	if err == nil {
		s.changed(tenant, "sink", "")
	}
	return err
}

// IssueKey creates a panel key for tenant and records label.
func (s *Service) IssueKey(ctx context.Context, tenant model.TenantID, actor Actor, label string) (string, error) {
	if l := strings.TrimSpace(label); l != "" {
		err := s.mutate(ctx, tenant, func(cfg *model.TenantConfig) (bool, error) {
			if cfg.Label == l {
				return false, nil
			}
			cfg.Label = l
			return true, nil
		})
		if err != nil {
			return "", err
		}
	}
	key, err := s.deps.Store.IssueKey(ctx, tenant)
	s.audit(ctx, tenant, actor, "key", "", err)
	return key, err
}

// Authorize maps a panel key to its tenant.
func (s *Service) Authorize(ctx context.Context, key string) (model.TenantID, error) {
	return s.deps.Store.LookupKey(ctx, key)
}

// Try sends a test notification for the first watched channel. It bypasses
// the dedup ledger.
func (s *Service) Try(ctx context.Context, tenant model.TenantID, actor Actor) (model.ContentCandidate, error) {
	cfg, err := s.load(ctx, tenant)
	if err != nil {
		return model.ContentCandidate{}, err
	}
	if cfg.Sink == nil {
		return model.ContentCandidate{}, ErrNoSink
	}
	if len(cfg.Watched) == 0 {
		return model.ContentCandidate{}, ErrNoChannels
	}
	w := cfg.Watched[0]
	c, ok := s.deps.Fetcher.FetchLatest(ctx, w.Identity())
	if !ok {
		return model.ContentCandidate{}, ErrNoContent
	}
	ev := format.Renderer{Marker: s.config().Marker}.Event(tenant, *cfg.Sink, cfg.Template, w.Name, c.URL, c.Title)
	ev.Text = TestBanner + ev.Text
	err = s.deps.Sink.Dispatch(ctx, ev)
	s.audit(ctx, tenant, actor, "try", w.ID, err)
	return c, err
}

// load returns the tenant's config; a tenant that never configured anything
// gets the operator's default template.
func (s *Service) load(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error) {
	cfg, err := s.deps.Store.Get(ctx, tenant)
	if err != nil {
		return model.TenantConfig{}, err
	}
	def := strings.TrimSpace(s.config().DefaultTemplate)
	if def != "" && cfg.Sink == nil && len(cfg.Watched) == 0 && cfg.Template == model.DefaultTemplate {
		cfg.Template = def
	}
	return cfg, nil
}

// mutate applies fn and persists the result when fn reports a change. The
// write completes before mutate returns.
func (s *Service) mutate(ctx context.Context, tenant model.TenantID, fn func(cfg *model.TenantConfig) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load(ctx, tenant)
	if err != nil {
		return err
	}
	next := cfg.Clone()
	dirty, err := fn(&next)
	if err != nil || !dirty {
		return err
	}
	return s.deps.Store.Put(ctx, tenant, next)
}

func (s *Service) audit(ctx context.Context, tenant model.TenantID, actor Actor, action, target string, opErr error) {
	e := storage.AuditEntry{
		At:            time.Now(),
		Tenant:        tenant,
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		Surface:       actor.Surface,
		Action:        action,
		Target:        target,
		OK:            opErr == nil,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
	lvl := s.log.Info
	if opErr != nil {
		lvl = s.log.Warn
	}
	lvl("control action",
		logx.String("tenant", string(tenant)), logx.String("surface", actor.Surface), logx.Int64("actor", actor.ID),
		logx.String("action", action), logx.String("target", target), logx.Bool("ok", opErr == nil))
}

func (s *Service) changed(tenant model.TenantID, action, target string) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TenantChanged, Data: eventbus.TenantInfo{Tenant: tenant, Action: action, Target: target}})
}

// UserMessage is the text shown to a user for err. Internal causes are not
// leaked.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, youtube.ErrResolution):
		return "channel not found"
	case errors.Is(err, ErrNoSink):
		return "no notification channel set, use /setchannel first"
	case errors.Is(err, ErrNoChannels):
		return "no channels watched yet"
	case errors.Is(err, ErrNoContent):
		return "could not find a recent upload"
	case errors.Is(err, ErrNotFound):
		return "that channel is not being watched"
	case errors.Is(err, ErrEmptyInput):
		return "missing argument"
	case errors.Is(err, ErrTemplateSize):
		return "template too long"
	case errors.Is(err, storage.ErrInvalidKey):
		return "invalid key"
	default:
		return "operation failed"
	}
}
