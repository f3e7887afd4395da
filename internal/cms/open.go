package cms

import (
	"context"
	"errors"
	"strings"
)

// Config selects the CMS backend.
//
// Driver values: "memory" (empty rooms, for demos) and "postgres".
type Config struct {
	Driver  string
	DSN     string
	Migrate bool
}

func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("cms.dsn is required for postgres driver")
		}
		return NewPostgres(ctx, cfg.DSN, cfg.Migrate)
	default:
		return nil, errors.New("unknown cms driver: " + cfg.Driver)
	}
}
