package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"pingall/internal/model"
	logx "pingall/pkg/logx"
)

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) runMigrations() error {
	current := 0
	var tables int
	if err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error) {
	if !safeTenant(tenant) {
		return model.TenantConfig{}, ErrInvalidTenant
	}
	var doc string
	err := s.db.GetContext(ctx, &doc, "SELECT doc FROM tenants WHERE id = ?", string(tenant))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultTenantConfig(), nil
	}
	if err != nil {
		return model.TenantConfig{}, fmt.Errorf("reading tenant %s: %w", tenant, err)
	}
	cfg, err := model.DecodeTenantConfig([]byte(doc))
	if err != nil {
		s.log.Warn("tenant record unreadable, using defaults", logx.String("tenant", string(tenant)), logx.Err(err))
		return model.DefaultTenantConfig(), nil
	}
	return cfg, nil
}

func (s *sqliteStore) Put(ctx context.Context, tenant model.TenantID, cfg model.TenantConfig) error {
	if !safeTenant(tenant) {
		return ErrInvalidTenant
	}
	b, err := model.EncodeTenantConfig(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		string(tenant), string(b), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing tenant %s: %w", tenant, err)
	}
	return nil
}

func (s *sqliteStore) Tenants(ctx context.Context) ([]model.TenantID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM tenants ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	out := make([]model.TenantID, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.TenantID(id))
	}
	return out, nil
}

func (s *sqliteStore) IssueKey(ctx context.Context, tenant model.TenantID) (string, error) {
	if !safeTenant(tenant) {
		return "", ErrInvalidTenant
	}
	for attempt := 0; attempt < 4; attempt++ {
		key, err := newKey()
		if err != nil {
			return "", err
		}
		res, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO panel_keys (key, tenant, created_at) VALUES (?, ?, ?)",
			key, string(tenant), time.Now().UTC(),
		)
		if err != nil {
			return "", fmt.Errorf("issuing key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return key, nil
		}
	}
	return "", errors.New("issuing key: no free key after retries")
}

func (s *sqliteStore) LookupKey(ctx context.Context, key string) (model.TenantID, error) {
	k, ok := normalizeKey(key)
	if !ok {
		return "", ErrInvalidKey
	}
	var tenant string
	err := s.db.GetContext(ctx, &tenant, "SELECT tenant FROM panel_keys WHERE key = ?", k)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("looking up key: %w", err)
	}
	return model.TenantID(tenant), nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit (at, tenant, actor_id, actor_username, surface, action, target, ok, err)
		VALUES (:at, :tenant, :actor_id, :actor_username, :surface, :action, :target, :ok, :err)`,
		map[string]any{
			"at":             e.At.UTC().Format(time.RFC3339Nano),
			"tenant":         string(e.Tenant),
			"actor_id":       e.ActorID,
			"actor_username": nullStr(e.ActorUsername),
			"surface":        e.Surface,
			"action":         e.Action,
			"target":         nullStr(e.Target),
			"ok":             e.OK,
			"err":            nullStr(e.Error),
		},
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
