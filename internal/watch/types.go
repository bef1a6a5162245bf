// Package watch runs the periodic sweep: for every tenant with a sink and a
// non-empty watch list, fetch each channel's latest upload and notify the
// tenant when it differs from the last one notified.
package watch

import (
	"context"
	"time"

	"pingall/internal/eventbus"
	"pingall/internal/ledger"
	"pingall/internal/model"
)

const (
	DefaultSchedule = "@every 5m"
	DefaultPause    = time.Second
)

type Config struct {
	Enabled    bool
	Schedule   string // cron spec or @every
	Timezone   string
	Pause      time.Duration
	RunOnStart bool
	// SeedFirst records the first candidate seen for an untracked channel
	// without notifying.
	SeedFirst bool
	Marker    string
}

// Store is the read side of the watch state store.
type Store interface {
	Tenants(ctx context.Context) ([]model.TenantID, error)
	Get(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error)
}

type Fetcher interface {
	FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool)
}

type Sink interface {
	Dispatch(ctx context.Context, ev model.NotificationEvent) error
}

type Deps struct {
	Store   Store
	Fetcher Fetcher
	Sink    Sink
	Ledger  *ledger.Ledger
	Bus     eventbus.Bus
}

// SweepStats describes one sweep.
type SweepStats struct {
	ID            string
	Started       time.Time
	Took          time.Duration
	Tenants       int // tenants with a persisted record
	Skipped       int // inactive: no sink or nothing watched
	Channels      int
	Fetches       int
	Misses        int
	Seeded        int
	Notifications int
	Failures      int
	Aborted       bool
}

// Stats accumulates over the process lifetime.
type Stats struct {
	Sweeps        uint64
	Notifications uint64
	Failures      uint64
	Last          SweepStats
}
