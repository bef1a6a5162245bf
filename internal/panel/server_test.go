package panel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"pingall/internal/control"
	"pingall/internal/model"
	"pingall/internal/storage"
	"pingall/internal/youtube"
	logx "pingall/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

const chanA = "UCaaaaaaaaaaaaaaaaaaaaaa"

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, raw string) (model.ChannelIdentity, error) {
	if model.NormalizeHandle(raw) == "alpha" {
		return model.ChannelIdentity{ID: chanA, Name: "Alpha <3"}, nil
	}
	return model.ChannelIdentity{}, fmt.Errorf("%w: %s", youtube.ErrResolution, raw)
}

type fakeFetcher struct{}

func (fakeFetcher) FetchLatest(ctx context.Context, ch model.ChannelIdentity) (model.ContentCandidate, bool) {
	return model.ContentCandidate{Title: "Newest", URL: youtube.WatchURL("XXXXXXXXXXX"), VideoID: "XXXXXXXXXXX"}, true
}

type nopSink struct{}

func (nopSink) Dispatch(ctx context.Context, ev model.NotificationEvent) error { return nil }

type client struct {
	t      *testing.T
	h      http.Handler
	cookie *http.Cookie
}

func (c *client) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	w := httptest.NewRecorder()
	c.h.ServeHTTP(w, req)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == cookieName {
			if ck.MaxAge < 0 || ck.Value == "" {
				c.cookie = nil
			} else {
				c.cookie = ck
			}
		}
	}
	return w
}

var tokenField = regexp.MustCompile(`name="t" value="([^"]+)"`)

// token reads the request token off the dashboard.
func (c *client) token() string {
	c.t.Helper()
	m := tokenField.FindStringSubmatch(c.do(http.MethodGet, "/", nil).Body.String())
	if m == nil {
		c.t.Fatalf("dashboard has no token field")
	}
	return m[1]
}

func setup(t *testing.T) (*client, storage.Store, string) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctl := control.New(control.Config{}, control.Deps{Store: st, Resolver: fakeResolver{}, Fetcher: fakeFetcher{}, Sink: nopSink{}}, logx.Nop())
	srv, err := New(Config{}, ctl, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key, err := st.IssueKey(context.Background(), "-1001")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	return &client{t: t, h: srv.Handler()}, st, key
}

func TestLoginRequired(t *testing.T) {
	t.Parallel()
	c, st, _ := setup(t)

	w := c.do(http.MethodGet, "/", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `action="/login"`) {
		t.Fatalf("anonymous index: %d %s", w.Code, w.Body.String())
	}
	for _, r := range []struct{ method, path string }{
		{http.MethodPost, "/add"},
		{http.MethodPost, "/update_format"},
		{http.MethodGet, "/delete/" + chanA},
	} {
		w := c.do(r.method, r.path, url.Values{"yt_id": {"@alpha"}, "format": {"x"}})
		if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/" {
			t.Fatalf("%s %s: %d", r.method, r.path, w.Code)
		}
	}
	if ids, _ := st.Tenants(context.Background()); len(ids) != 0 {
		t.Fatalf("anonymous request persisted tenants %v", ids)
	}
}

func TestLoginRejectsBadKey(t *testing.T) {
	t.Parallel()
	c, _, _ := setup(t)
	w := c.do(http.MethodPost, "/login", url.Values{"key": {"0000000000000000"}})
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "invalid key") {
		t.Fatalf("bad key: %d %s", w.Code, w.Body.String())
	}
	if c.cookie != nil {
		t.Fatalf("session issued for bad key")
	}
}

func TestDashboardFlow(t *testing.T) {
	t.Parallel()
	c, st, key := setup(t)
	ctx := context.Background()

	w := c.do(http.MethodPost, "/login", url.Values{"key": {key}})
	if w.Code != http.StatusSeeOther || c.cookie == nil || !c.cookie.HttpOnly {
		t.Fatalf("login: %d cookie=%+v", w.Code, c.cookie)
	}

	tok := c.token()
	c.do(http.MethodPost, "/add", url.Values{"yt_id": {"@alpha"}, "t": {tok}})
	body := c.do(http.MethodGet, "/", nil).Body.String()
	for _, want := range []string{"Alpha &lt;3", "Newest", youtube.ThumbnailURL("XXXXXXXXXXX"), "/delete/" + chanA + "?t=" + tok} {
		if !strings.Contains(body, want) {
			t.Fatalf("dashboard missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(c.do(http.MethodGet, "/", nil).Body.String(), `class="preview"`) {
		t.Fatalf("preview shown twice")
	}

	c.do(http.MethodPost, "/add", url.Values{"yt_id": {"@ghost"}, "t": {tok}})
	if body := c.do(http.MethodGet, "/", nil).Body.String(); !strings.Contains(body, "channel not found") {
		t.Fatalf("missing failure banner:\n%s", body)
	}

	c.do(http.MethodPost, "/update_format", url.Values{"format": {"&who: &url"}, "t": {tok}})
	cfg, err := st.Get(ctx, "-1001")
	if err != nil || cfg.Template != "&who: &url" || !cfg.Has(chanA) {
		t.Fatalf("stored %+v %v", cfg, err)
	}

	c.do(http.MethodGet, "/delete/"+chanA+"?t="+tok, nil)
	if cfg, _ := st.Get(ctx, "-1001"); cfg.Has(chanA) {
		t.Fatalf("channel not removed")
	}

	c.do(http.MethodGet, "/logout", nil)
	if c.cookie != nil {
		t.Fatalf("cookie kept after logout")
	}
	if body := c.do(http.MethodGet, "/", nil).Body.String(); !strings.Contains(body, `action="/login"`) {
		t.Fatalf("still logged in after logout")
	}
}

func TestStateChangesNeedToken(t *testing.T) {
	t.Parallel()
	c, st, key := setup(t)
	ctx := context.Background()
	c.do(http.MethodPost, "/login", url.Values{"key": {key}})
	tok := c.token()
	c.do(http.MethodPost, "/add", url.Values{"yt_id": {"@alpha"}, "t": {tok}})
	before, _ := st.Get(ctx, "-1001")

	for _, r := range []struct {
		method, path string
		form         url.Values
	}{
		{http.MethodGet, "/delete/" + chanA, nil},
		{http.MethodGet, "/delete/" + chanA + "?t=forged", nil},
		{http.MethodPost, "/update_format", url.Values{"format": {"pwned"}}},
		{http.MethodPost, "/update_format", url.Values{"format": {"pwned"}, "t": {"forged"}}},
	} {
		w := c.do(r.method, r.path, r.form)
		if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/" {
			t.Fatalf("%s %s: %d", r.method, r.path, w.Code)
		}
		cfg, _ := st.Get(ctx, "-1001")
		if !cfg.Has(chanA) || cfg.Template != before.Template {
			t.Fatalf("%s %s changed state: %+v", r.method, r.path, cfg)
		}
		if body := c.do(http.MethodGet, "/", nil).Body.String(); !strings.Contains(body, "link expired") {
			t.Fatalf("%s %s: no flash:\n%s", r.method, r.path, body)
		}
	}

	c.do(http.MethodGet, "/delete/"+chanA+"?t="+tok, nil)
	if cfg, _ := st.Get(ctx, "-1001"); cfg.Has(chanA) {
		t.Fatalf("valid token rejected")
	}
}

func TestSessionsExpire(t *testing.T) {
	t.Parallel()
	s := newSessions(time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	id := s.create("t1")
	if got, ok := s.tenant(id); !ok || got != "t1" {
		t.Fatalf("fresh session: %q %v", got, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := s.tenant(id); ok {
		t.Fatalf("expired session accepted")
	}
	s.create("t2")
	if s.len() != 1 {
		t.Fatalf("expired sessions not purged: %d", s.len())
	}
}

func TestPopIsOneShot(t *testing.T) {
	t.Parallel()
	s := newSessions(time.Hour)
	id := s.create("t1")
	s.setPreview(id, &Preview{Name: "A"})
	s.setFlash(id, "oops")
	if p, f := s.pop(id); p == nil || p.Name != "A" || f != "oops" {
		t.Fatalf("first pop %+v %q", p, f)
	}
	if p, f := s.pop(id); p != nil || f != "" {
		t.Fatalf("second pop %+v %q", p, f)
	}
}
