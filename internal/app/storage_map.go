package app

import (
	"strings"
	"time"

	"github.com/philornot/ai-reminder/internal/config"
	"github.com/philornot/ai-reminder/internal/storage"
)

// mapStorageConfig resolves the storage section. A missing section or driver
// "none" maps to the in-memory store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)

	switch driver := storage.NormalizeDriver(sc.Driver); driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "file":
		if path == "" {
			return storage.Config{}, config.Errorf("storage.path", "required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, config.Errorf("storage.path", "required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres":
		dsn := strings.TrimSpace(sc.Dsn)
		if dsn == "" {
			return storage.Config{}, config.Errorf("storage.dsn", "required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: dsn}, nil
	default:
		return storage.Config{}, config.Errorf("storage.driver", "unknown driver %q (want file, sqlite, postgres or none)", sc.Driver)
	}
}
