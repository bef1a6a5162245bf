package config

import (
	"reflect"
	"strings"

	logx "pingall/pkg/logx"
)

// Sections reloaded live. Anything else needs a restart.
const (
	SectionLogging = "logging"
	SectionWatch   = "watch"
	SectionFetch   = "fetch"
	SectionSink    = "sink"
)

// Summarize lists changed top-level sections plus safe log fields describing
// them. Tokens are never included.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Watch, newCfg.Watch) {
		changed = append(changed, SectionWatch)
		fields = append(fields,
			logx.Bool("watch.enabled", newCfg.WatchEnabled()),
			logx.String("watch.schedule", newCfg.Watch.Schedule),
			logx.String("watch.pause", newCfg.Watch.Pause),
			logx.Bool("watch.seed_first", newCfg.Watch.SeedFirst),
		)
	}
	if oldCfg.Fetch != newCfg.Fetch {
		changed = append(changed, SectionFetch)
		fields = append(fields,
			logx.String("fetch.timeout", newCfg.Fetch.Timeout),
			logx.String("fetch.videos_offset", newCfg.Fetch.VideosOffset),
		)
	}
	if oldCfg.Sink != newCfg.Sink {
		changed = append(changed, SectionSink)
		fields = append(fields, logx.Int("sink.retry_max", newCfg.Sink.RetryMax))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Panel, newCfg.Panel) {
		changed = append(changed, "panel")
		fields = append(fields, logx.Bool("panel.enabled", newCfg.Panel.Enabled), logx.String("panel.addr", newCfg.Panel.Addr))
	}
	return changed, fields
}

// NeedsRestart reports sections whose changes only apply after a restart.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionLogging, SectionWatch, SectionFetch, SectionSink:
		default:
			out = append(out, s)
		}
	}
	return out
}
