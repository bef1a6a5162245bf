package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pingall/internal/control"
	"pingall/internal/model"
	"pingall/internal/storage"
	kit "pingall/internal/transport"
	"pingall/internal/watch"
	"pingall/internal/youtube"
	logx "pingall/pkg/logx"
)

const chanA = "UCaaaaaaaaaaaaaaaaaaaaaa"

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu     sync.Mutex
	out    []sent
	admins map[int64]bool
	noDM   bool
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.noDM && to.ChatID > 0 {
		return kit.MessageRef{}, errors.New("forbidden: bot can't initiate conversation")
	}
	a.out = append(a.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	return a.admins[userID], nil
}

func (a *fakeAdapter) last(t *testing.T) sent {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.out) == 0 {
		t.Fatalf("nothing sent")
	}
	return a.out[len(a.out)-1]
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, raw string) (model.ChannelIdentity, error) {
	if model.NormalizeHandle(raw) == "alpha" {
		return model.ChannelIdentity{ID: chanA, Name: "Alpha"}, nil
	}
	return model.ChannelIdentity{}, fmt.Errorf("%w: %s", youtube.ErrResolution, raw)
}

type fakeFetcher struct{}

func (fakeFetcher) FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool) {
	return model.ContentCandidate{Title: "Newest", URL: youtube.WatchURL("XXXXXXXXXXX")}, true
}

type recSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recSink) Dispatch(ctx context.Context, ev model.NotificationEvent) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, ev.Text)
	s.mu.Unlock()
	return nil
}

type fixedStats struct{}

func (fixedStats) Stats() watch.Stats {
	return watch.Stats{Sweeps: 3, Notifications: 2, Failures: 1, Last: watch.SweepStats{Took: 1500 * time.Millisecond}}
}

type fixedHealth struct{}

func (fixedHealth) Health() Health {
	return Health{Restarts: 2, Panics: 1, DroppedEvents: 4, Failures: []FailedSend{
		{At: time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC), Tenant: "-100777", Err: "dispatch failed: chat gone"},
	}}
}

const (
	group   = int64(-100123)
	adminID = int64(11)
	userID  = int64(22)
	ownerID = int64(99)
)

func newBot(t *testing.T) (*Bot, *fakeAdapter, *recSink) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sink := &recSink{}
	ctl := control.New(control.Config{}, control.Deps{Store: st, Resolver: fakeResolver{}, Fetcher: fakeFetcher{}, Sink: sink}, logx.Nop())
	ad := &fakeAdapter{admins: map[int64]bool{adminID: true}}
	b := New(Config{Owners: []int64{ownerID}, PublicURL: "https://panel.test"}, Deps{Adapter: ad, Control: ctl, Stats: fixedStats{}, Health: fixedHealth{}}, logx.Nop())
	return b, ad, sink
}

// dispatch routes one message and runs the queued job inline.
func dispatch(b *Bot, from int64, text string) {
	msg := &kit.Message{ChatID: group, ChatTitle: "Fans", FromID: from, FromUsername: "u", Text: text}
	b.route(context.Background(), msg)
	select {
	case job := <-b.jobs:
		job()
	default:
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, cmd, rest string
		ok            bool
	}{
		{"/help", "help", "", true},
		{"/add@PingBot @alpha", "add", "@alpha", true},
		{"/format &e new from &who\n&url", "format", "&e new from &who\n&url", true},
		{"/FORMAT\nline", "format", "line", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		cmd, rest, ok := parseCommand(tc.in)
		if ok != tc.ok || cmd != tc.cmd || rest != tc.rest {
			t.Fatalf("parseCommand(%q) = %q %q %v", tc.in, cmd, rest, ok)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	b, ad, _ := newBot(t)
	dispatch(b, userID, "/nope")
	if got := ad.last(t).text; !strings.Contains(got, "unknown command") {
		t.Fatalf("reply %q", got)
	}
}

func TestAdminOnlyCommands(t *testing.T) {
	t.Parallel()
	b, ad, _ := newBot(t)
	for _, cmd := range []string{"/add @alpha", "/setchannel", "/key", "/format x", "/remove " + chanA, "/try"} {
		dispatch(b, userID, cmd)
		if got := ad.last(t).text; !strings.Contains(got, "administrators") {
			t.Fatalf("%s by non-admin: %q", cmd, got)
		}
	}
}

func TestSetupFlow(t *testing.T) {
	t.Parallel()
	b, ad, sink := newBot(t)

	dispatch(b, adminID, "/add @alpha")
	if got := ad.last(t).text; !strings.Contains(got, "now watching Alpha") || !strings.Contains(got, "Newest") {
		t.Fatalf("add reply %q", got)
	}
	dispatch(b, adminID, "/add alpha")
	if got := ad.last(t).text; !strings.Contains(got, "already watched") {
		t.Fatalf("duplicate add reply %q", got)
	}
	dispatch(b, adminID, "/add @ghost")
	if got := ad.last(t).text; got != "channel not found" {
		t.Fatalf("unresolved add reply %q", got)
	}

	dispatch(b, adminID, "/try")
	if got := ad.last(t).text; !strings.Contains(got, "/setchannel") {
		t.Fatalf("try without sink %q", got)
	}

	dispatch(b, adminID, "/setchannel")
	dispatch(b, adminID, "/format &who posted &str")
	dispatch(b, adminID, "/try")
	if len(sink.msgs) != 1 || sink.msgs[0] != control.TestBanner+"Alpha posted Newest" {
		t.Fatalf("sink got %q", sink.msgs)
	}

	dispatch(b, userID, "/list")
	got := ad.last(t).text
	for _, want := range []string{"label: Fans", "template: &who posted &str", "Alpha (" + chanA + ")"} {
		if !strings.Contains(got, want) {
			t.Fatalf("list missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "sweeps:") {
		t.Fatalf("stats shown to non-owner:\n%s", got)
	}

	dispatch(b, adminID, "/remove "+chanA)
	dispatch(b, adminID, "/remove "+chanA)
	if got := ad.last(t).text; !strings.Contains(got, "not being watched") {
		t.Fatalf("second remove %q", got)
	}
}

func TestListShowsStatsToOwners(t *testing.T) {
	t.Parallel()
	b, ad, _ := newBot(t)
	dispatch(b, ownerID, "/list")
	got := ad.last(t).text
	for _, want := range []string{
		"sweeps: 3, last took 1.5s",
		"failures: 1",
		"restarts: 2, panics: 1, dropped events: 4",
		"- 03-04 05:06 -100777: dispatch failed: chat gone",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("owner list missing %q:\n%s", want, got)
		}
	}

	dispatch(b, userID, "/list")
	if got := ad.last(t).text; strings.Contains(got, "restarts") || strings.Contains(got, "sweeps") {
		t.Fatalf("status leaked to non-owner:\n%s", got)
	}
}

func TestKeyDelivery(t *testing.T) {
	t.Parallel()

	b, ad, _ := newBot(t)
	dispatch(b, adminID, "/key")
	ad.mu.Lock()
	out := append([]sent(nil), ad.out...)
	ad.mu.Unlock()
	if len(out) != 2 || out[0].to.ChatID != adminID || !strings.Contains(out[0].text, "https://panel.test") {
		t.Fatalf("dm %+v", out)
	}
	if out[1].to.ChatID != group || strings.Contains(out[1].text, "panel key") {
		t.Fatalf("key leaked into group: %+v", out[1])
	}

	b2, ad2, _ := newBot(t)
	ad2.noDM = true
	dispatch(b2, adminID, "/key")
	last := ad2.last(t)
	if last.to.ChatID != group || !strings.Contains(last.text, "panel key for this chat: ") {
		t.Fatalf("fallback %+v", last)
	}
}

func TestRunDispatches(t *testing.T) {
	t.Parallel()
	b, ad, _ := newBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: group, FromID: userID, Text: "/help"}}
	deadline := time.Now().Add(2 * time.Second)
	for {
		ad.mu.Lock()
		n := len(ad.out)
		ad.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := ad.last(t).text; !strings.Contains(got, "/add <@handle|channel id>") {
		t.Fatalf("help %q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
