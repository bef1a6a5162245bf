package format

import (
	"testing"

	"pingall/internal/model"
)

func TestRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		tmpl  string
		who   string
		url   string
		title string
		want  string
	}{
		{
			name: "all tokens",
			tmpl: "&e &who: &str &url",
			who:  "Chan", url: "https://y/1", title: "Hello",
			want: "@everyone Chan: Hello https://y/1",
		},
		{
			name: "repeated tokens",
			tmpl: "&url &url",
			url:  "u",
			want: "u u",
		},
		{
			name: "unknown tokens untouched",
			tmpl: "&x &who &&",
			who:  "W",
			want: "&x W &&",
		},
		{
			name: "replacement containing tokens is not re-expanded",
			tmpl: "&who|&str|&url",
			who:  "&url", url: "&str", title: "&who &e",
			want: "&url|&who &e|&str",
		},
		{
			name: "no tokens",
			tmpl: "plain text",
			want: "plain text",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tt.tmpl, tt.who, tt.url, tt.title); got != tt.want {
				t.Fatalf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRendererMarker(t *testing.T) {
	t.Parallel()
	r := Renderer{Marker: "@all"}
	if got := r.Render("&e hi", "", "", ""); got != "@all hi" {
		t.Fatalf("got %q", got)
	}
}

func TestRendererEvent(t *testing.T) {
	t.Parallel()
	sink := model.SinkRef{ChatID: -100, ThreadID: 7}
	ev := Renderer{Marker: "@here"}.Event("-100", sink, "&e &str", "Chan", "u", "T")
	if ev.Tenant != "-100" || ev.Sink != sink || ev.Text != "@here T" {
		t.Fatalf("event %+v", ev)
	}
}
