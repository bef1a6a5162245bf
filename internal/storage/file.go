package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pingall/internal/model"
	logx "pingall/pkg/logx"
)

// fileStore keeps everything under one directory:
//   - tenants/<id>.json  (one document per tenant, tmp + rename on write)
//   - keys.json          (panel key -> tenant, tmp + rename on write)
//   - audit.jsonl        (append-only JSON Lines)
type fileStore struct {
	log logx.Logger
	dir string

	mu        sync.Mutex
	keys      map[string]model.TenantID
	auditFile *os.File
	closed    bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Join(dir, "tenants"), 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	keys := map[string]model.TenantID{}
	if b, err := os.ReadFile(filepath.Join(dir, "keys.json")); err == nil {
		if err := json.Unmarshal(b, &keys); err != nil {
			log.Warn("keys.json unreadable, starting empty", logx.Err(err))
			keys = map[string]model.TenantID{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{log: log, dir: dir, keys: keys, auditFile: af}, nil
}

func (s *fileStore) tenantPath(t model.TenantID) string {
	return filepath.Join(s.dir, "tenants", string(t)+".json")
}

func (s *fileStore) Get(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error) {
	_ = ctx
	if !safeTenant(tenant) {
		return model.TenantConfig{}, ErrInvalidTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.TenantConfig{}, ErrClosed
	}

	b, err := os.ReadFile(s.tenantPath(tenant))
	if errors.Is(err, os.ErrNotExist) {
		return model.DefaultTenantConfig(), nil
	}
	if err != nil {
		return model.TenantConfig{}, err
	}
	cfg, err := model.DecodeTenantConfig(b)
	if err != nil {
		// A corrupt document must not take the tenant down; start from defaults.
		s.log.Warn("tenant record unreadable, using defaults", logx.String("tenant", string(tenant)), logx.Err(err))
		return model.DefaultTenantConfig(), nil
	}
	return cfg, nil
}

func (s *fileStore) Put(ctx context.Context, tenant model.TenantID, cfg model.TenantConfig) error {
	_ = ctx
	if !safeTenant(tenant) {
		return ErrInvalidTenant
	}
	b, err := model.EncodeTenantConfig(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeAtomic(s.tenantPath(tenant), b)
}

func (s *fileStore) Tenants(ctx context.Context) ([]model.TenantID, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, "tenants"))
	if err != nil {
		return nil, err
	}
	out := make([]model.TenantID, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		t := model.TenantID(strings.TrimSuffix(name, ".json"))
		if safeTenant(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) IssueKey(ctx context.Context, tenant model.TenantID) (string, error) {
	_ = ctx
	if !safeTenant(tenant) {
		return "", ErrInvalidTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	var key string
	for {
		k, err := newKey()
		if err != nil {
			return "", err
		}
		if _, taken := s.keys[k]; !taken {
			key = k
			break
		}
	}
	s.keys[key] = tenant
	b, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		delete(s.keys, key)
		return "", err
	}
	if err := writeAtomic(filepath.Join(s.dir, "keys.json"), b); err != nil {
		delete(s.keys, key)
		return "", err
	}
	return key, nil
}

func (s *fileStore) LookupKey(ctx context.Context, key string) (model.TenantID, error) {
	_ = ctx
	k, ok := normalizeKey(key)
	if !ok {
		return "", ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	t, ok := s.keys[k]
	if !ok {
		return "", ErrInvalidKey
	}
	return t, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

// writeAtomic replaces path so readers see either the old or the new
// document, never a partial one.
func writeAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
