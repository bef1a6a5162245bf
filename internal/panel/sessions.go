package panel

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"

	"pingall/internal/model"
)

// Preview is shown once on the dashboard after a channel was added.
type Preview struct {
	Name      string
	Title     string
	URL       string
	Thumbnail string
}

type session struct {
	tenant  model.TenantID
	token   string // echoed by every state-changing request
	expires time.Time
	preview *Preview
	flash   string
}

// sessions maps opaque session ids to tenants. Nothing is persisted; a
// restart logs everyone out.
type sessions struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[string]*session
}

func newSessions(ttl time.Duration) *sessions {
	return &sessions{ttl: ttl, now: time.Now, m: map[string]*session{}}
}

func (s *sessions) create(tenant model.TenantID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, v := range s.m {
		if now.After(v.expires) {
			delete(s.m, id)
		}
	}
	id := uuid.NewString()
	s.m[id] = &session{tenant: tenant, token: uuid.NewString(), expires: now.Add(s.ttl)}
	return id
}

func (s *sessions) tenant(id string) (model.TenantID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok {
		return "", false
	}
	if s.now().After(v.expires) {
		delete(s.m, id)
		return "", false
	}
	return v.tenant, true
}

// validToken reports whether tok is the session's request token.
func (s *sessions) validToken(id, tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok || tok == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.token), []byte(tok)) == 1
}

func (s *sessions) token(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[id]; ok {
		return v.token
	}
	return ""
}

func (s *sessions) setPreview(id string, p *Preview) {
	s.mu.Lock()
	if v, ok := s.m[id]; ok {
		v.preview = p
	}
	s.mu.Unlock()
}

func (s *sessions) setFlash(id, msg string) {
	s.mu.Lock()
	if v, ok := s.m[id]; ok {
		v.flash = msg
	}
	s.mu.Unlock()
}

// pop returns and clears the one-shot preview and flash message.
func (s *sessions) pop(id string) (*Preview, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok {
		return nil, ""
	}
	p, f := v.preview, v.flash
	v.preview, v.flash = nil, ""
	return p, f
}

func (s *sessions) delete(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
