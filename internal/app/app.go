// Package app wires the watcher engine, its control surfaces and the ambient
// services (logging, config reload, storage) into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pingall/internal/bot"
	"pingall/internal/config"
	"pingall/internal/control"
	"pingall/internal/eventbus"
	"pingall/internal/httpx"
	"pingall/internal/ledger"
	"pingall/internal/notifier"
	"pingall/internal/panel"
	rtsup "pingall/internal/runtime/supervisor"
	"pingall/internal/storage"
	kit "pingall/internal/transport"
	"pingall/internal/transport/telegram"
	"pingall/internal/watch"
	"pingall/internal/youtube"
	logx "pingall/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  kit.Adapter
	resolver *youtube.Resolver
	fetcher  *youtube.Fetcher
	notif    *notifier.Service
	watch    *watch.Service
	ctl      *control.Service
	bot      *bot.Bot
	panel    *panel.Server // nil when disabled
	health   *health

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled; the target is set before the final
	// Apply so it does not warn about a missing chat.
	logCfg := mapLogConfig(cfg)
	boot := logCfg
	boot.Telegram.Enabled = false
	logSvc, log := logx.New(boot, ad)
	if chatID, threadID, err := cfg.GroupLogTarget(); err == nil && chatID != 0 {
		logSvc.SetTelegramTarget(chatID, pickThread(threadID, cfg.Logging.Telegram.ThreadID))
	}
	logSvc.Apply(logCfg)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }
	log = comp("app")

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	bus := eventbus.New()
	hc := httpx.New(mapHTTPConfig(cfg))
	yc, policy, _ := mapFetchConfig(cfg)
	resolver := youtube.NewResolver(yc, hc, comp("resolver"))
	fetcher := youtube.NewFetcher(yc, policy, hc, comp("fetcher"))

	ncfg, _ := mapSinkConfig(cfg)
	notif := notifier.New(ncfg, ad, comp("notifier"))

	wcfg, _ := mapWatchConfig(cfg)
	ws := watch.New(wcfg, watch.Deps{
		Store:   store,
		Fetcher: fetcher,
		Sink:    notif,
		Ledger:  ledger.New(),
		Bus:     bus,
	}, comp("watch"))
	if err := ws.Validate(wcfg); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("watch.schedule: %w", err)
	}

	ctl := control.New(mapControlConfig(cfg), control.Deps{
		Store:    store,
		Resolver: resolver,
		Fetcher:  fetcher,
		Sink:     notif,
		Bus:      bus,
	}, comp("control"))

	hs := &health{bus: bus, notif: notif}
	b := bot.New(mapBotConfig(cfg), bot.Deps{Adapter: ad, Control: ctl, Stats: ws, Health: hs}, comp("bot"))

	var ps *panel.Server
	if cfg.Panel.Enabled {
		pc, _ := mapPanelConfig(cfg)
		ps, err = panel.New(pc, ctl, comp("panel"))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("panel: %w", err)
		}
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		resolver: resolver,
		fetcher:  fetcher,
		notif:    notif,
		watch:    ws,
		ctl:      ctl,
		bot:      b,
		panel:    ps,
		health:   hs,
		updates:  make(chan kit.Update, 256),
	}, nil
}

func pickThread(fromTarget, fromLogging int) int {
	if fromTarget != 0 {
		return fromTarget
	}
	return fromLogging
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.health.sup.Store(a.sup)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validate(cfg); err != nil {
			return err
		}
		wcfg, _ := mapWatchConfig(cfg)
		return a.watch.Validate(wcfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	a.sup.Go0("bot.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 5*time.Second)
		defer cancel()
		if err := a.bot.PublishMenu(mctx); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	if err := a.watch.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.panel != nil {
		if err := a.panel.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("panel: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest queued config
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("watch", a.cfgm.Get().WatchEnabled()), logx.Bool("panel", a.panel != nil))
	return nil
}

// applyConfig pushes a committed config to the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.Summarize(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if chatID, threadID, err := next.GroupLogTarget(); err == nil {
		a.logs.SetTelegramTarget(chatID, pickThread(threadID, next.Logging.Telegram.ThreadID))
	}
	a.logs.Apply(mapLogConfig(next))
	a.bot.SetOwners(next.Telegram.OwnerUserIDs)

	if wcfg, err := mapWatchConfig(next); err != nil {
		a.log.Warn("invalid watch config; keeping previous", logx.Err(err))
	} else if err := a.watch.Apply(ctx, wcfg); err != nil {
		a.log.Warn("watch reconfigure failed", logx.Err(err))
	}
	a.ctl.Apply(mapControlConfig(next))

	if yc, policy, err := mapFetchConfig(next); err != nil {
		a.log.Warn("invalid fetch config; keeping previous", logx.Err(err))
	} else {
		a.resolver.Apply(yc)
		a.fetcher.Apply(yc, policy)
	}
	if ncfg, err := mapSinkConfig(next); err != nil {
		a.log.Warn("invalid sink config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if r := config.NeedsRestart(sections); len(r) > 0 {
		a.log.Warn("restart required for some changes", logx.String("sections", strings.Join(r, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("panel", 2*time.Second, func(c context.Context) error {
		if a.panel == nil {
			return nil
		}
		return a.panel.Stop(c)
	})
	step("watch", 3*time.Second, func(c context.Context) error { a.watch.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
