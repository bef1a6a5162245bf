package model

import (
	"encoding/json"
	"strings"
)

const (
	// TenantConfigVersion is the current persisted schema version.
	TenantConfigVersion = 2

	DefaultTemplate = "&e &who just uploaded: &url"
	DefaultLabel    = "unknown"
)

// TenantConfig is the persisted per-tenant watch state.
type TenantConfig struct {
	Version  int              `json:"version"`
	Label    string           `json:"label"`
	Template string           `json:"template"`
	Sink     *SinkRef         `json:"sink,omitempty"`
	Watched  []WatchedChannel `json:"watched"`
}

// DefaultTenantConfig is what a tenant looks like before anything was saved.
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		Version:  TenantConfigVersion,
		Label:    DefaultLabel,
		Template: DefaultTemplate,
		Watched:  []WatchedChannel{},
	}
}

// Active reports whether a sweep has anything to do for this tenant.
func (c TenantConfig) Active() bool {
	return c.Sink != nil && len(c.Watched) > 0
}

// Has reports whether a channel id is already watched.
func (c TenantConfig) Has(id string) bool {
	for _, w := range c.Watched {
		if w.ID == id {
			return true
		}
	}
	return false
}

// AddChannel appends the channel unless its id is already present. It
// returns false on duplicates.
func (c *TenantConfig) AddChannel(w WatchedChannel) bool {
	if w.ID == "" || c.Has(w.ID) {
		return false
	}
	c.Watched = append(c.Watched, w)
	return true
}

// RemoveChannel drops every entry with the given id.
func (c *TenantConfig) RemoveChannel(id string) bool {
	out := c.Watched[:0]
	removed := false
	for _, w := range c.Watched {
		if w.ID == id {
			removed = true
			continue
		}
		out = append(out, w)
	}
	c.Watched = out
	return removed
}

// Clone returns a deep copy so callers can mutate without aliasing a cached
// value.
func (c TenantConfig) Clone() TenantConfig {
	cp := c
	cp.Watched = append([]WatchedChannel(nil), c.Watched...)
	if c.Sink != nil {
		s := *c.Sink
		cp.Sink = &s
	}
	return cp
}

// tenantRecord is the on-disk shape. It accepts the current layout and the
// legacy one (yt / channel_id / format / guild_name).
type tenantRecord struct {
	Version  int              `json:"version"`
	Label    *string          `json:"label"`
	Template *string          `json:"template"`
	Sink     *SinkRef         `json:"sink"`
	Watched  []WatchedChannel `json:"watched"`

	LegacyYT        []WatchedChannel `json:"yt"`
	LegacyChannelID json.Number      `json:"channel_id"`
	LegacyFormat    *string          `json:"format"`
	LegacyGuildName *string          `json:"guild_name"`
}

// DecodeTenantConfig parses a persisted record and migrates it to the
// current version. Unknown fields are ignored.
func DecodeTenantConfig(b []byte) (TenantConfig, error) {
	var r tenantRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return TenantConfig{}, err
	}
	return r.migrate(), nil
}

// EncodeTenantConfig renders the current on-disk layout.
func EncodeTenantConfig(c TenantConfig) ([]byte, error) {
	c.Version = TenantConfigVersion
	if c.Watched == nil {
		c.Watched = []WatchedChannel{}
	}
	return json.MarshalIndent(c, "", "  ")
}

func (r tenantRecord) migrate() TenantConfig {
	out := DefaultTenantConfig()

	if r.Version < 2 {
		// v0/v1: original layout.
		for _, w := range r.LegacyYT {
			out.AddChannel(w)
		}
		if id, err := r.LegacyChannelID.Int64(); err == nil && id != 0 {
			out.Sink = &SinkRef{ChatID: id}
		}
		if r.LegacyFormat != nil && strings.TrimSpace(*r.LegacyFormat) != "" {
			out.Template = *r.LegacyFormat
		}
		if r.LegacyGuildName != nil && strings.TrimSpace(*r.LegacyGuildName) != "" {
			out.Label = *r.LegacyGuildName
		}
	}

	for _, w := range r.Watched {
		out.AddChannel(w)
	}
	if r.Sink != nil {
		s := *r.Sink
		out.Sink = &s
	}
	if r.Template != nil && strings.TrimSpace(*r.Template) != "" {
		out.Template = *r.Template
	}
	if r.Label != nil && strings.TrimSpace(*r.Label) != "" {
		out.Label = *r.Label
	}
	return out
}
