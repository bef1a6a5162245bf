// Package model holds the value types shared by the watcher engine, the
// store and the control surfaces.
package model

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TenantID identifies one chat community. For Telegram it is the decimal
// chat id.
type TenantID string

func TenantFromChat(chatID int64) TenantID {
	return TenantID(strconv.FormatInt(chatID, 10))
}

// ChatID parses the tenant back into a Telegram chat id.
func (t TenantID) ChatID() (int64, bool) {
	id, err := strconv.ParseInt(string(t), 10, 64)
	return id, err == nil
}

var canonicalID = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)

// IsCanonicalChannelID reports whether s already has the platform's fixed
// channel id shape (24 chars, "UC" prefix).
func IsCanonicalChannelID(s string) bool {
	return canonicalID.MatchString(s)
}

// ChannelIdentity is a resolved channel. Only ID identifies it; Name is
// cosmetic and may be stale.
type ChannelIdentity struct {
	ID   string
	Name string
}

// WatchedChannel is one entry of a tenant's watch list.
type WatchedChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (w WatchedChannel) Identity() ChannelIdentity {
	return ChannelIdentity{ID: w.ID, Name: w.Name}
}

// SinkRef points at the chat (and optional forum topic) notifications go to.
type SinkRef struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// ContentCandidate is one source's guess at the latest upload. Recency is
// only meaningful against candidates from the same fetch.
type ContentCandidate struct {
	Title     string
	URL       string
	VideoID   string
	Thumbnail string
	Source    string
	Recency   time.Time
}

// NotificationEvent is a rendered message on its way to a sink.
type NotificationEvent struct {
	Tenant TenantID
	Sink   SinkRef
	Text   string
}

// NormalizeHandle strips whitespace and a leading "@".
func NormalizeHandle(raw string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}
