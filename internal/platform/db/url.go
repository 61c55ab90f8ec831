package db

import (
	"errors"
	"fmt"
	"strings"
)

// Driver names a supported storage backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Target is a parsed DATABASE_URL.
type Target struct {
	Driver Driver
	// DSN is the pgx connection string for postgres or the file path for sqlite.
	DSN string
}

// ParseURL resolves DATABASE_URL into a driver and DSN.
// postgres:// is rewritten to postgresql://; sqlite:///pm.db resolves to the relative path pm.db
// and sqlite:////var/lib/pm.db to the absolute path /var/lib/pm.db.
func ParseURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Target{}, errors.New("platform/db: database url required")
	case strings.HasPrefix(raw, "postgres://"):
		return Target{Driver: DriverPostgres, DSN: "postgresql://" + strings.TrimPrefix(raw, "postgres://")}, nil
	case strings.HasPrefix(raw, "postgresql://"):
		return Target{Driver: DriverPostgres, DSN: raw}, nil
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			return Target{}, errors.New("platform/db: sqlite path required")
		}
		return Target{Driver: DriverSQLite, DSN: path}, nil
	default:
		return Target{}, fmt.Errorf("platform/db: unsupported database url scheme in %q", raw)
	}
}
