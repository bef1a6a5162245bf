package app

import (
	"sync/atomic"

	"pingall/internal/bot"
	"pingall/internal/eventbus"
	"pingall/internal/notifier"
	rtsup "pingall/internal/runtime/supervisor"
)

// recentFailures caps the failed sends listed for owners.
const recentFailures = 5

// health feeds the owner status in /list. The supervisor is set on Start.
type health struct {
	sup   atomic.Pointer[rtsup.Supervisor]
	bus   eventbus.Bus
	notif *notifier.Service
}

func (h *health) Health() bot.Health {
	var out bot.Health
	if s := h.sup.Load(); s != nil {
		c := s.Counters()
		out.Restarts, out.Panics = c.Restarts, c.Panics
	}
	if h.bus != nil {
		out.DroppedEvents = h.bus.Dropped()
	}
	if h.notif != nil {
		for _, it := range h.notif.Failures(recentFailures) {
			out.Failures = append(out.Failures, bot.FailedSend{At: it.At, Tenant: it.Tenant, Err: it.Err})
		}
	}
	return out
}
