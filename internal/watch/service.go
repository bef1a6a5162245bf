package watch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"pingall/internal/eventbus"
	"pingall/internal/format"
	"pingall/internal/ledger"
	"pingall/internal/model"
	logx "pingall/pkg/logx"
)

type Service struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger

	parser cron.Parser
	c      *cron.Cron
	base   context.Context
	runCtx context.Context
	cancel context.CancelFunc

	// startup sweep, outside cron
	initial sync.WaitGroup

	// sweeps never overlap, whether started by cron or by hand
	sweepMu sync.Mutex
	sleep   func(ctx context.Context, d time.Duration) error

	smu   sync.Mutex
	stats Stats
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New()
	}
	return &Service{
		cfg:    normalize(cfg),
		deps:   deps,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		sleep:  sleepCtx,
	}
}

func normalize(cfg Config) Config {
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if strings.TrimSpace(cfg.Marker) == "" {
		cfg.Marker = format.DefaultMarker
	}
	return cfg
}

// SetSleep replaces the inter-channel pause implementation.
func (s *Service) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn == nil {
		fn = sleepCtx
	}
	s.mu.Lock()
	s.sleep = fn
	s.mu.Unlock()
}

// Ledger exposes the dedup ledger for inspection.
func (s *Service) Ledger() *ledger.Ledger { return s.deps.Ledger }

// Validate checks that a schedule parses.
func (s *Service) Validate(cfg Config) error {
	_, err := s.parser.Parse(normalize(cfg).Schedule)
	return err
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		s.base = ctx
	}
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(s.base)
	if err := s.startCronLocked(); err != nil {
		s.cancel()
		s.runCtx, s.cancel = nil, nil
		return err
	}
	s.log.Info("watcher started", logx.String("schedule", s.cfg.Schedule), logx.Duration("pause", s.cfg.Pause), logx.Bool("seed_first", s.cfg.SeedFirst))
	if s.cfg.RunOnStart {
		runCtx := s.runCtx
		s.initial.Add(1)
		go func() {
			defer s.initial.Done()
			s.Sweep(runCtx)
		}()
	}
	return nil
}

func (s *Service) startCronLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)),
	)
	runCtx := s.runCtx
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(runCtx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	return nil
}

// Stop cancels an in-flight sweep and waits for it to return, or for ctx.
// The startup sweep is waited for too.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c, s.cancel, s.runCtx = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.initial.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("watcher stop timed out")
	}
}

// Apply swaps the config. A changed schedule, timezone or enabled flag
// restarts the cron loop; everything else takes effect on the next sweep.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = normalize(cfg)
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = ctx
	}

	restart := old.Schedule != cfg.Schedule || old.Timezone != cfg.Timezone || old.Enabled != cfg.Enabled
	if !restart {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		return s.Start(base)
	}
	return nil
}

func (s *Service) Stats() Stats {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.stats
}

// Sweep runs one pass over every tenant. Tenants and channels are visited
// sequentially; a failure on one never stops the others.
func (s *Service) Sweep(ctx context.Context) SweepStats {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	sleep := s.sleep
	s.mu.Unlock()

	st := SweepStats{ID: uuid.NewString(), Started: time.Now()}
	log := s.log.With(logx.String("sweep", st.ID))
	s.publish(eventbus.SweepStarted, eventbus.SweepInfo{ID: st.ID})

	defer func() {
		st.Took = time.Since(st.Started)
		s.record(st)
		s.publish(eventbus.SweepFinished, eventbus.SweepInfo{
			ID: st.ID, Tenants: st.Tenants, Channels: st.Channels, Fetches: st.Fetches, Misses: st.Misses,
			Notifications: st.Notifications, Failures: st.Failures, Took: st.Took,
		})
		log.Debug("sweep done",
			logx.Int("tenants", st.Tenants), logx.Int("channels", st.Channels), logx.Int("misses", st.Misses),
			logx.Int("notified", st.Notifications), logx.Int("failed", st.Failures), logx.Duration("took", st.Took))
	}()

	tenants, err := s.deps.Store.Tenants(ctx)
	if err != nil {
		log.Warn("listing tenants failed", logx.Err(err))
		return st
	}
	renderer := format.Renderer{Marker: cfg.Marker}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			st.Aborted = true
			return st
		}
		st.Tenants++
		tc, err := s.deps.Store.Get(ctx, tenant)
		if err != nil {
			log.Warn("reading tenant failed", logx.String("tenant", string(tenant)), logx.Err(err))
			continue
		}
		if !tc.Active() {
			st.Skipped++
			continue
		}

		for _, w := range tc.Watched {
			st.Channels++
			s.visit(ctx, log, cfg, renderer, tenant, tc, w, &st)
			if err := sleep(ctx, cfg.Pause); err != nil {
				st.Aborted = true
				return st
			}
		}
	}
	return st
}

func (s *Service) visit(ctx context.Context, log logx.Logger, cfg Config, r format.Renderer, tenant model.TenantID, tc model.TenantConfig, w model.WatchedChannel, st *SweepStats) {
	st.Fetches++
	c, ok := s.deps.Fetcher.FetchLatest(ctx, w.Identity())
	if !ok {
		st.Misses++
		return
	}

	led := s.deps.Ledger
	if cfg.SeedFirst {
		if _, seen := led.Seen(tenant, w.ID); !seen {
			led.Record(tenant, w.ID, c.URL)
			st.Seeded++
			return
		}
	}
	if !led.HasChanged(tenant, w.ID, c.URL) {
		return
	}

	ev := r.Event(tenant, *tc.Sink, tc.Template, w.Name, c.URL, c.Title)
	if err := s.deps.Sink.Dispatch(ctx, ev); err != nil {
		st.Failures++
		log.Warn("notification not delivered",
			logx.String("tenant", string(tenant)), logx.String("channel", w.ID), logx.String("url", c.URL), logx.Err(err))
		s.publish(eventbus.DispatchFailed, eventbus.NotifyInfo{Tenant: tenant, Channel: w.ID, URL: c.URL, Err: err.Error()})
		return
	}
	led.Record(tenant, w.ID, c.URL)
	st.Notifications++
	log.Info("new upload notified",
		logx.String("tenant", string(tenant)), logx.String("channel", w.ID), logx.String("source", c.Source), logx.String("url", c.URL))
	s.publish(eventbus.Notified, eventbus.NotifyInfo{Tenant: tenant, Channel: w.ID, URL: c.URL})
}

func (s *Service) record(st SweepStats) {
	s.smu.Lock()
	s.stats.Sweeps++
	s.stats.Notifications += uint64(st.Notifications)
	s.stats.Failures += uint64(st.Failures)
	s.stats.Last = st
	s.smu.Unlock()
}

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
