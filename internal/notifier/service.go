package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pingall/internal/model"
	kit "pingall/internal/transport"
	logx "pingall/pkg/logx"
)

// ErrDispatch wraps every failed delivery.
var ErrDispatch = errors.New("dispatch failed")

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log     logx.Logger
	adapter kit.Adapter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Dispatch delivers ev.Text to ev.Sink, retrying transient failures. The
// returned error wraps ErrDispatch.
func (s *Service) Dispatch(ctx context.Context, ev model.NotificationEvent) error {
	sink, text := ev.Sink, ev.Text
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil {
		return fmt.Errorf("%w: no transport", ErrDispatch)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", ErrDispatch)
	}
	if sink.ChatID == 0 {
		return fmt.Errorf("%w: no sink", ErrDispatch)
	}

	target := kit.ChatTarget{ChatID: sink.ChatID, ThreadID: sink.ThreadID}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := ad.SendText(callCtx, target, text, &kit.SendOptions{})
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), Tenant: ev.Tenant, Sink: sink, Text: text}, cfg.HistorySize)
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempt = maxAttempts
		case <-t.C:
		}
	}

	s.appendHistory(HistoryItem{At: time.Now(), Tenant: ev.Tenant, Sink: sink, Text: text, Err: lastErr.Error()}, cfg.HistorySize)
	return fmt.Errorf("%w: chat %d: %v", ErrDispatch, sink.ChatID, lastErr)
}

// History returns recent sends, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Failures returns up to n failed sends, newest first.
func (s *Service) Failures(n int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	var out []HistoryItem
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		if s.history[i].Err != "" {
			out = append(out, s.history[i])
		}
	}
	return out
}

func (s *Service) appendHistory(it HistoryItem, limit int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.hmu.Unlock()
}

// retryDelay is the wait before attempt+1: exponential from RetryBase, capped
// at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return d
}
