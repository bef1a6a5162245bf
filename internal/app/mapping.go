package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"pingall/internal/bot"
	"pingall/internal/config"
	"pingall/internal/control"
	"pingall/internal/httpx"
	"pingall/internal/notifier"
	"pingall/internal/panel"
	"pingall/internal/storage"
	"pingall/internal/watch"
	"pingall/internal/youtube"
	logx "pingall/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	pause, err := config.ParseOffset("watch.pause", cfg.Watch.Pause, watch.DefaultPause)
	if err != nil {
		return watch.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Watch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return watch.Config{}, fmt.Errorf("watch.timezone: invalid %q: %w", tz, err)
		}
	}
	return watch.Config{
		Enabled:    cfg.WatchEnabled(),
		Schedule:   cfg.Watch.Schedule,
		Timezone:   cfg.Watch.Timezone,
		Pause:      pause,
		RunOnStart: cfg.WatchRunOnStart(),
		SeedFirst:  cfg.Watch.SeedFirst,
		Marker:     cfg.Watch.Mention,
	}, nil
}

func mapControlConfig(cfg *config.Config) control.Config {
	return control.Config{DefaultTemplate: cfg.Watch.DefaultTemplate, Marker: cfg.Watch.Mention}
}

func mapFetchConfig(cfg *config.Config) (youtube.Config, youtube.RecencyPolicy, error) {
	f := cfg.Fetch
	timeout, err := config.ParseDurationOrDefault("fetch.timeout", f.Timeout, youtube.DefaultTimeout)
	if err != nil {
		return youtube.Config{}, youtube.RecencyPolicy{}, err
	}
	def := youtube.DefaultRecencyPolicy()
	shorts, err := config.ParseOffset("fetch.shorts_offset", f.ShortsOffset, def.ShortsOffset)
	if err != nil {
		return youtube.Config{}, youtube.RecencyPolicy{}, err
	}
	videos, err := config.ParseOffset("fetch.videos_offset", f.VideosOffset, def.VideosOffset)
	if err != nil {
		return youtube.Config{}, youtube.RecencyPolicy{}, err
	}
	yc := youtube.Config{
		BaseURL:        f.BaseURL,
		UserAgent:      f.UserAgent,
		AcceptLanguage: f.AcceptLanguage,
		Timeout:        timeout,
	}
	return yc, youtube.RecencyPolicy{ShortsOffset: shorts, VideosOffset: videos}, nil
}

func mapHTTPConfig(cfg *config.Config) httpx.Config {
	return httpx.Config{RatePerSec: cfg.Fetch.RatePerSec, DefaultTimeout: youtube.DefaultTimeout}
}

func mapSinkConfig(cfg *config.Config) (notifier.Config, error) {
	s := cfg.Sink
	base, err := config.ParseDurationField("sink.retry_base", s.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("sink.retry_max_delay", s.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationField("sink.send_timeout", s.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retries := s.RetryMax
	if retries == 0 {
		retries = 3
	}
	return notifier.Config{
		RatePerSec:    s.RatePerSec,
		RetryMax:      retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   timeout,
	}, nil
}

func mapPanelConfig(cfg *config.Config) (panel.Config, error) {
	p := cfg.Panel
	ttl, err := config.ParseDurationOrDefault("panel.session_ttl", p.SessionTTL, panel.DefaultSessionTTL)
	if err != nil {
		return panel.Config{}, err
	}
	secure := false
	if u := strings.TrimSpace(p.PublicURL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || pu.Host == "" {
			return panel.Config{}, fmt.Errorf("panel.public_url: invalid %q", u)
		}
		secure = pu.Scheme == "https"
	}
	return panel.Config{
		Addr:           p.Addr,
		SessionTTL:     ttl,
		TrustedProxies: p.TrustedProxies,
		SecureCookie:   secure,
	}, nil
}

func mapBotConfig(cfg *config.Config) bot.Config {
	bc := bot.Config{Owners: cfg.Telegram.OwnerUserIDs}
	if cfg.Panel.Enabled {
		bc.PublicURL = strings.TrimSpace(cfg.Panel.PublicURL)
	}
	return bc
}

// validate runs every mapping so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSinkConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPanelConfig(cfg); err != nil {
		return err
	}
	return nil
}
