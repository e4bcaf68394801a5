package storage

import (
	"fmt"
	"strings"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// Open initializes the configured store. Disabled storage yields an in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := NormalizeDriver(cfg.Driver); driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	case "postgres":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}

// NormalizeDriver maps aliases onto canonical driver names.
func NormalizeDriver(s string) string {
	switch d := strings.ToLower(strings.TrimSpace(s)); d {
	case "", "none", "memory", "mem":
		return "memory"
	case "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pg":
		return "postgres"
	default:
		return d
	}
}
