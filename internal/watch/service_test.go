package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pingall/internal/eventbus"
	"pingall/internal/ledger"
	"pingall/internal/model"
	logx "pingall/pkg/logx"
)

const chanABC = "UCabcabcabcabcabcabcabca"

type memStore struct {
	mu      sync.Mutex
	tenants map[model.TenantID]model.TenantConfig
	failGet map[model.TenantID]bool
}

func (m *memStore) Tenants(ctx context.Context) ([]model.TenantID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TenantID, 0, len(m.tenants))
	for _, id := range []model.TenantID{"G0", "G1", "G2", "G3"} {
		if _, ok := m.tenants[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) Get(ctx context.Context, t model.TenantID) (model.TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet[t] {
		return model.TenantConfig{}, errors.New("disk gone")
	}
	cfg, ok := m.tenants[t]
	if !ok {
		return model.DefaultTenantConfig(), nil
	}
	return cfg.Clone(), nil
}

// scriptFetcher returns the next scripted candidate per channel; an empty
// URL means a miss.
type scriptFetcher struct {
	mu     sync.Mutex
	script map[string][]model.ContentCandidate
	calls  int
}

func (f *scriptFetcher) FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	q := f.script[ch.ID]
	if len(q) == 0 {
		return model.ContentCandidate{}, false
	}
	c := q[0]
	if len(q) > 1 {
		f.script[ch.ID] = q[1:]
	}
	return c, c.URL != ""
}

type recSink struct {
	mu   sync.Mutex
	fail map[int64]bool
	sent []string
}

func (s *recSink) Dispatch(ctx context.Context, ev model.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[ev.Sink.ChatID] {
		return errors.New("chat gone")
	}
	s.sent = append(s.sent, ev.Text)
	return nil
}

func tenantWith(chatID int64, tmpl string, ids ...string) model.TenantConfig {
	cfg := model.DefaultTenantConfig()
	cfg.Template = tmpl
	cfg.Sink = &model.SinkRef{ChatID: chatID}
	for _, id := range ids {
		cfg.AddChannel(model.WatchedChannel{ID: id, Name: "Chan " + id[:4]})
	}
	return cfg
}

func newTestService(cfg Config, store Store, f Fetcher, sink Sink) (*Service, *[]time.Duration) {
	s := New(cfg, Deps{Store: store, Fetcher: f, Sink: sink, Ledger: ledger.New(), Bus: eventbus.New()}, logx.Nop())
	var pauses []time.Duration
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return ctx.Err()
	})
	return s, &pauses
}

func TestSweepEndToEnd(t *testing.T) {
	t.Parallel()
	store := &memStore{tenants: map[model.TenantID]model.TenantConfig{
		"G1": tenantWith(11, "&who: &str &url", chanABC),
	}}
	f := &scriptFetcher{script: map[string][]model.ContentCandidate{
		chanABC: {
			{Title: "A", URL: "u1"},
			{Title: "A", URL: "u1"},
			{Title: "B", URL: "u2"},
		},
	}}
	sink := &recSink{}
	s, _ := newTestService(Config{Pause: time.Second}, store, f, sink)
	ctx := context.Background()

	st := s.Sweep(ctx)
	if st.Notifications != 1 || len(sink.sent) != 1 || sink.sent[0] != "Chan UCab: A u1" {
		t.Fatalf("sweep 1: %+v sent=%v", st, sink.sent)
	}
	if url, _ := s.Ledger().Seen("G1", chanABC); url != "u1" {
		t.Fatalf("ledger after 1: %q", url)
	}

	st = s.Sweep(ctx)
	if st.Notifications != 0 || len(sink.sent) != 1 {
		t.Fatalf("sweep 2 should be quiet: %+v sent=%v", st, sink.sent)
	}
	if url, _ := s.Ledger().Seen("G1", chanABC); url != "u1" {
		t.Fatalf("ledger after 2: %q", url)
	}

	st = s.Sweep(ctx)
	if st.Notifications != 1 || len(sink.sent) != 2 || sink.sent[1] != "Chan UCab: B u2" {
		t.Fatalf("sweep 3: %+v sent=%v", st, sink.sent)
	}
	if url, _ := s.Ledger().Seen("G1", chanABC); url != "u2" {
		t.Fatalf("ledger after 3: %q", url)
	}
	if got := s.Stats(); got.Sweeps != 3 || got.Notifications != 2 {
		t.Fatalf("stats %+v", got)
	}
}

func TestSweepSkipsInactiveTenants(t *testing.T) {
	t.Parallel()
	noSink := tenantWith(0, "x", chanABC)
	noSink.Sink = nil
	store := &memStore{tenants: map[model.TenantID]model.TenantConfig{
		"G1": tenantWith(11, "x"),
		"G2": noSink,
	}}
	f := &scriptFetcher{script: map[string][]model.ContentCandidate{chanABC: {{URL: "u1"}}}}
	s, pauses := newTestService(Config{Pause: time.Second}, store, f, &recSink{})

	st := s.Sweep(context.Background())
	if f.calls != 0 || s.Ledger().Len() != 0 || len(*pauses) != 0 {
		t.Fatalf("calls=%d ledger=%d pauses=%d", f.calls, s.Ledger().Len(), len(*pauses))
	}
	if st.Skipped != 2 || st.Tenants != 2 {
		t.Fatalf("stats %+v", st)
	}
}

func TestSweepMissLeavesLedgerAlone(t *testing.T) {
	t.Parallel()
	store := &memStore{tenants: map[model.TenantID]model.TenantConfig{"G1": tenantWith(11, "&url", chanABC)}}
	f := &scriptFetcher{script: map[string][]model.ContentCandidate{}}
	sink := &recSink{}
	s, pauses := newTestService(Config{Pause: 2 * time.Second}, store, f, sink)

	st := s.Sweep(context.Background())
	if st.Misses != 1 || st.Notifications != 0 || s.Ledger().Len() != 0 || len(sink.sent) != 0 {
		t.Fatalf("stats %+v ledger=%d", st, s.Ledger().Len())
	}
	if len(*pauses) != 1 || (*pauses)[0] != 2*time.Second {
		t.Fatalf("pause should follow every channel: %v", *pauses)
	}
}

func TestSweepDispatchFailureIsIsolated(t *testing.T) {
	t.Parallel()
	other := "UCotherotherotherotherott"
	store := &memStore{
		tenants: map[model.TenantID]model.TenantConfig{
			"G0": tenantWith(10, "&url", chanABC),
			"G1": tenantWith(11, "&url", chanABC, other),
			"G2": tenantWith(12, "&url", chanABC),
		},
		failGet: map[model.TenantID]bool{"G0": true},
	}
	f := &scriptFetcher{script: map[string][]model.ContentCandidate{
		chanABC: {{URL: "u1"}},
		other:   {{URL: "o1"}},
	}}
	sink := &recSink{fail: map[int64]bool{11: true}}
	s, _ := newTestService(Config{}, store, f, sink)

	st := s.Sweep(context.Background())
	if st.Failures != 2 || st.Notifications != 1 {
		t.Fatalf("stats %+v", st)
	}
	if _, seen := s.Ledger().Seen("G1", chanABC); seen {
		t.Fatalf("failed dispatch must not be recorded")
	}
	if url, _ := s.Ledger().Seen("G2", chanABC); url != "u1" {
		t.Fatalf("G2 should be notified and recorded, got %q", url)
	}

	// The failed pair is retried on the next sweep once the sink recovers.
	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	st = s.Sweep(context.Background())
	if st.Notifications != 2 {
		t.Fatalf("retry sweep %+v", st)
	}
}

func TestSweepSeedFirst(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		seed      bool
		wantFirst int
	}{
		{"notify on first sight", false, 1},
		{"seed silently", true, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &memStore{tenants: map[model.TenantID]model.TenantConfig{"G1": tenantWith(11, "&url", chanABC)}}
			f := &scriptFetcher{script: map[string][]model.ContentCandidate{
				chanABC: {{URL: "u1"}, {URL: "u1"}, {URL: "u2"}},
			}}
			sink := &recSink{}
			s, _ := newTestService(Config{SeedFirst: tc.seed}, store, f, sink)

			if st := s.Sweep(context.Background()); st.Notifications != tc.wantFirst {
				t.Fatalf("first sweep %+v", st)
			}
			if url, _ := s.Ledger().Seen("G1", chanABC); url != "u1" {
				t.Fatalf("ledger %q", url)
			}
			s.Sweep(context.Background())
			if st := s.Sweep(context.Background()); st.Notifications != 1 {
				t.Fatalf("new upload must notify: %+v", st)
			}
		})
	}
}

func TestSweepMarker(t *testing.T) {
	t.Parallel()
	store := &memStore{tenants: map[model.TenantID]model.TenantConfig{"G1": tenantWith(11, "&e &url", chanABC)}}
	f := &scriptFetcher{script: map[string][]model.ContentCandidate{chanABC: {{URL: "u1"}}}}
	sink := &recSink{}
	s, _ := newTestService(Config{Marker: "@here"}, store, f, sink)
	s.Sweep(context.Background())
	if len(sink.sent) != 1 || sink.sent[0] != "@here u1" {
		t.Fatalf("sent %v", sink.sent)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := &memStore{tenants: map[model.TenantID]model.TenantConfig{
		"G1": tenantWith(11, "&url", chanABC, "UCotherotherotherotherott"),
	}}
	f := &scriptFetcher{script: map[string][]model.ContentCandidate{}}
	s, _ := newTestService(Config{}, store, f, &recSink{})
	ctx, cancel := context.WithCancel(context.Background())
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})
	st := s.Sweep(ctx)
	if !st.Aborted || f.calls != 1 {
		t.Fatalf("stats %+v calls=%d", st, f.calls)
	}
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{}, &memStore{}, &scriptFetcher{}, &recSink{})
	if err := s.Apply(context.Background(), Config{Schedule: "every so often"}); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.Apply(context.Background(), Config{Schedule: "@every 1m"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{Enabled: true, Schedule: "@every 1h"}, &memStore{}, &scriptFetcher{}, &recSink{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}

// slowFetcher counts how many fetches run at once.
type slowFetcher struct {
	delay    time.Duration
	inFlight atomic.Int32
	max      atomic.Int32
	calls    atomic.Int32
}

func (f *slowFetcher) FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.max.Load()
		if n <= m || f.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(f.delay)
	return model.ContentCandidate{Title: "A", URL: "u1"}, true
}

func TestSweepsDoNotOverlap(t *testing.T) {
	t.Parallel()
	store := &memStore{tenants: map[model.TenantID]model.TenantConfig{"G1": tenantWith(11, "&url", chanABC)}}
	f := &slowFetcher{delay: 20 * time.Millisecond}
	sink := &recSink{}
	s, _ := newTestService(Config{}, store, f, sink)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Sweep(context.Background())
		}()
	}
	wg.Wait()

	if got := f.max.Load(); got != 1 {
		t.Fatalf("max concurrent fetches=%d, want 1", got)
	}
	if f.calls.Load() != 4 || s.Stats().Sweeps != 4 {
		t.Fatalf("calls=%d stats=%+v", f.calls.Load(), s.Stats())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 1 {
		t.Fatalf("sent %v", sink.sent)
	}
}

// blockingFetcher parks until the sweep context ends.
type blockingFetcher struct {
	entered chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool) {
	f.once.Do(func() { close(f.entered) })
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	return model.ContentCandidate{}, false
}

func TestStopWaitsForStartupSweep(t *testing.T) {
	t.Parallel()
	store := &memStore{tenants: map[model.TenantID]model.TenantConfig{"G1": tenantWith(11, "&url", chanABC)}}
	f := &blockingFetcher{entered: make(chan struct{})}
	s, _ := newTestService(Config{Enabled: true, Schedule: "@every 1h", RunOnStart: true}, store, f, &recSink{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("startup sweep never fetched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if ctx.Err() != nil {
		t.Fatalf("stop timed out")
	}
	st := s.Stats()
	if st.Sweeps != 1 || !st.Last.Aborted {
		t.Fatalf("startup sweep still running after Stop: %+v", st)
	}
}
