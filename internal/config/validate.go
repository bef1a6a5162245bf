package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvTelegramToken overrides telegram.token when set.
const EnvTelegramToken = "PINGALL_TELEGRAM_TOKEN"

// ApplyEnv overlays secrets taken from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if tok := strings.TrimSpace(getenv(EnvTelegramToken)); tok != "" {
		c.Telegram.Token = tok
	}
}

// Validate checks every field that can be checked without I/O.
func (c *Config) Validate() error {
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("telegram.poll_timeout", c.Telegram.PollTimeout)
	check("watch.pause", c.Watch.Pause)
	check("fetch.timeout", c.Fetch.Timeout)
	check("fetch.shorts_offset", c.Fetch.ShortsOffset)
	check("fetch.videos_offset", c.Fetch.VideosOffset)
	check("sink.retry_base", c.Sink.RetryBase)
	check("sink.retry_max_delay", c.Sink.RetryMaxDelay)
	check("sink.send_timeout", c.Sink.SendTimeout)
	check("storage.busy_timeout", c.Storage.BusyTimeout)
	check("panel.session_ttl", c.Panel.SessionTTL)

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
	}
	if _, _, err := c.GroupLogTarget(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Fetch.RatePerSec < 0 || c.Sink.RatePerSec < 0 {
		errs = append(errs, errors.New("rate_per_sec must be >= 0"))
	}
	if c.Sink.RetryMax < 0 {
		errs = append(errs, errors.New("sink.retry_max must be >= 0"))
	}
	return errors.Join(errs...)
}

// GroupLogTarget parses telegram.group_log. A zero chat id means unset.
func (c *Config) GroupLogTarget() (chatID int64, threadID int, err error) {
	raw := strings.TrimSpace(c.Telegram.GroupLog)
	if raw == "" {
		return 0, 0, nil
	}
	chatPart, threadPart, hasThread := strings.Cut(raw, ":")
	chatID, err = strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram.group_log: invalid chat id %q", chatPart)
	}
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil {
			return 0, 0, fmt.Errorf("telegram.group_log: invalid thread id %q", threadPart)
		}
	}
	return chatID, threadID, nil
}
