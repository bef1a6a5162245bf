package notifier

import (
	"time"

	"pingall/internal/model"
)

type Config struct {
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

type HistoryItem struct {
	At     time.Time
	Tenant model.TenantID
	Sink   model.SinkRef
	Text   string
	Err    string // empty on success
}
