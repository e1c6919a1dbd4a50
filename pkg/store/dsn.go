package store

import (
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"    // registers "postgres"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/core-tools/hsu-users/pkg/errors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// ConnectionInfo is a DSN split into a database/sql driver name and the
// driver specific data source.
type ConnectionInfo struct {
	Driver     string
	DataSource string
}

// ParseDSN accepts sqlite://<path> and postgres:// (or postgresql://) URLs.
func ParseDSN(dsn string) (ConnectionInfo, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return ConnectionInfo{}, errors.NewValidationError("sqlite DSN has no database path", nil)
		}
		return ConnectionInfo{Driver: DriverSQLite, DataSource: sqliteDataSource(path)}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return ConnectionInfo{Driver: DriverPostgres, DataSource: dsn}, nil
	default:
		return ConnectionInfo{}, errors.NewValidationError("unsupported database DSN", nil).
			WithContext("supported_schemes", "sqlite://, postgres://, postgresql://")
	}
}

func sqliteDataSource(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}
