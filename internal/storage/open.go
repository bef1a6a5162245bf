package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"pingall/internal/model"
	logx "pingall/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const keyBytes = 8

var keyShape = regexp.MustCompile(`^[0-9a-f]{16}$`)

// newKey returns 16 lowercase hex chars.
func newKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeKey(k string) (string, bool) {
	k = strings.ToLower(strings.TrimSpace(k))
	return k, keyShape.MatchString(k)
}

// safeTenant rejects ids that would escape a directory or collide with
// reserved file names.
func safeTenant(t model.TenantID) bool {
	s := string(t)
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
