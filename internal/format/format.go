// Package format renders notification templates.
package format

import (
	"strings"

	"pingall/internal/model"
)

// Template placeholders.
const (
	TokenMarker = "&e"
	TokenWho    = "&who"
	TokenURL    = "&url"
	TokenTitle  = "&str"
)

// DefaultMarker is what TokenMarker expands to unless configured otherwise.
const DefaultMarker = "@everyone"

// Renderer expands the four placeholders in a single left-to-right pass:
// replacement text is never scanned again, so a title containing "&url"
// stays literal.
type Renderer struct {
	Marker string
}

func (r Renderer) Render(tmpl, name, url, title string) string {
	marker := r.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	return strings.NewReplacer(
		TokenMarker, marker,
		TokenWho, name,
		TokenURL, url,
		TokenTitle, title,
	).Replace(tmpl)
}

// Event renders tmpl into a message addressed to sink.
func (r Renderer) Event(tenant model.TenantID, sink model.SinkRef, tmpl, name, url, title string) model.NotificationEvent {
	return model.NotificationEvent{Tenant: tenant, Sink: sink, Text: r.Render(tmpl, name, url, title)}
}

// Render uses DefaultMarker.
func Render(tmpl, name, url, title string) string {
	return Renderer{}.Render(tmpl, name, url, title)
}
