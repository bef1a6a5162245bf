// Package ledger remembers, per tenant and watched channel, the URL of the
// last upload a notification was sent for. It lives in process memory only.
package ledger

import (
	"sync"

	"pingall/internal/model"
)

type key struct {
	tenant  model.TenantID
	channel string
}

// Ledger is safe for concurrent use. Entries are never evicted; a removed
// watched channel simply never matches again.
type Ledger struct {
	mu   sync.Mutex
	last map[key]string
}

func New() *Ledger {
	return &Ledger{last: map[key]string{}}
}

// HasChanged reports whether url differs from the recorded one. An untracked
// pair always counts as changed.
func (l *Ledger) HasChanged(tenant model.TenantID, channel, url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.last[key{tenant, channel}]
	return !ok || prev != url
}

// Record overwrites the stored URL unconditionally.
func (l *Ledger) Record(tenant model.TenantID, channel, url string) {
	l.mu.Lock()
	l.last[key{tenant, channel}] = url
	l.mu.Unlock()
}

// CompareAndRecord records url and returns true only if it differs from the
// stored value. Use it when more than one goroutine may observe the same
// pair.
func (l *Ledger) CompareAndRecord(tenant model.TenantID, channel, url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{tenant, channel}
	if prev, ok := l.last[k]; ok && prev == url {
		return false
	}
	l.last[k] = url
	return true
}

// Seen returns the recorded URL, if any.
func (l *Ledger) Seen(tenant model.TenantID, channel string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.last[key{tenant, channel}]
	return u, ok
}

// Len returns the number of tracked pairs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}
