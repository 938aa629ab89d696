package storage

import (
	"context"
	"errors"
	"strings"

	logx "livebot/pkg/logx"
)

// Store is the persistence API used by the registry and the command layer.
type Store interface {
	// ReadDocument returns ErrNotFound if the document was never written.
	ReadDocument(ctx context.Context, name string) ([]byte, error)
	// WriteDocument replaces the whole document atomically.
	WriteDocument(ctx context.Context, name string, data []byte) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
