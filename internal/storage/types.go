package storage

import (
	"context"
	"errors"
	"time"

	"pingall/internal/model"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrInvalidKey    = errors.New("invalid panel key")
	ErrInvalidTenant = errors.New("invalid tenant id")
)

// Config configures storage.
//
// Driver values:
//   - "file": directory of JSON documents (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a control action. Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time      `json:"at"`
	Tenant        model.TenantID `json:"tenant"`
	ActorID       int64          `json:"actor_id,omitempty"`
	ActorUsername string         `json:"actor_username,omitempty"`
	Surface       string         `json:"surface"`
	Action        string         `json:"action"`
	Target        string         `json:"target,omitempty"`
	OK            bool           `json:"ok"`
	Error         string         `json:"error,omitempty"`
}

// Store is the persistence API used by the watcher and the control surfaces.
//
// Get never fails for a tenant that has no record: it returns
// model.DefaultTenantConfig(). Put is a full, durable replace; once it
// returns the next Get observes the new value.
type Store interface {
	Get(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error)
	Put(ctx context.Context, tenant model.TenantID, cfg model.TenantConfig) error
	Tenants(ctx context.Context) ([]model.TenantID, error)

	// IssueKey binds a fresh opaque key to tenant. Older keys stay valid.
	IssueKey(ctx context.Context, tenant model.TenantID) (string, error)
	LookupKey(ctx context.Context, key string) (model.TenantID, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
