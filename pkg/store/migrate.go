package store

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// MigrationsDir returns the embedded directory holding driver's migrations,
// relative to this package.
func MigrationsDir(driver string) string {
	return "migrations/" + driver
}

// MigrationInfo describes one migration version.
type MigrationInfo struct {
	Version uint
	Name    string
	Applied bool
	Current bool
}

// MigrationStatus is what List reports.
type MigrationStatus struct {
	Migrations []MigrationInfo
	Version    uint
	HasVersion bool
	Dirty      bool
}

// Migrator runs the embedded migrations against one database. Each call
// uses its own connection, since closing a migrate instance closes it.
type Migrator struct {
	info   ConnectionInfo
	logger logging.Logger
}

func NewMigrator(dsn string, logger logging.Logger) (*Migrator, error) {
	info, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &Migrator{info: info, logger: logger}, nil
}

func (m *Migrator) Driver() string {
	return m.info.Driver
}

func (m *Migrator) newSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, MigrationsDir(m.info.Driver))
	if err != nil {
		return nil, errors.NewInternalError("failed to open embedded migrations", err).WithContext("driver", m.info.Driver)
	}
	return src, nil
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	db, err := sql.Open(m.info.Driver, m.info.DataSource)
	if err != nil {
		return nil, errors.NewIOError("failed to open database connection", err)
	}

	var driver database.Driver
	switch m.info.Driver {
	case DriverSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	case DriverPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	default:
		err = fmt.Errorf("no migration driver for %s", m.info.Driver)
	}
	if err != nil {
		db.Close()
		return nil, errors.NewIOError("failed to create migration driver", err).WithContext("driver", m.info.Driver)
	}

	src, err := m.newSource()
	if err != nil {
		driver.Close()
		return nil, err
	}

	instance, err := migrate.NewWithInstance("iofs", src, m.info.Driver, driver)
	if err != nil {
		src.Close()
		driver.Close()
		return nil, errors.NewInternalError("failed to create migrate instance", err)
	}
	instance.Log = &migrateLogger{logger: m.logger}

	return instance, nil
}

// run executes fn and asks migrate to stop after the current migration when
// ctx is cancelled.
func (m *Migrator) run(ctx context.Context, operation string, fn func(*migrate.Migrate) error) error {
	instance, err := m.open()
	if err != nil {
		return err
	}
	defer func() {
		if srcErr, dbErr := instance.Close(); srcErr != nil || dbErr != nil {
			m.logger.Warnf("Failed to close migrate instance, source: %v, database: %v", srcErr, dbErr)
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			instance.GracefulStop <- true
		case <-done:
		}
	}()

	err = fn(instance)
	var shortLimit migrate.ErrShortLimit
	switch {
	case err == nil:
	case stderrors.Is(err, migrate.ErrNoChange):
		m.logger.Infof("No migrations to %s, database is up to date", operation)
	case stderrors.As(err, &shortLimit):
		m.logger.Warnf("Migration %s stopped early, %d step(s) not available", operation, shortLimit.Short)
	default:
		return errors.NewIOError("migration "+operation+" failed", err).WithContext("driver", m.info.Driver)
	}

	m.logVersion(instance)
	return nil
}

func (m *Migrator) logVersion(instance *migrate.Migrate) {
	version, dirty, err := instance.Version()
	switch {
	case stderrors.Is(err, migrate.ErrNilVersion):
		m.logger.Infof("No migrations applied")
	case err != nil:
		m.logger.Warnf("Failed to read migration version: %v", err)
	case dirty:
		m.logger.Warnf("Database schema is dirty at version %d, manual intervention required", version)
	default:
		m.logger.Infof("Current schema version: %d", version)
	}
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	m.logger.Infof("Applying migrations, driver: %s", m.info.Driver)
	return m.run(ctx, "apply", func(instance *migrate.Migrate) error {
		return instance.Up()
	})
}

// Rollback reverts migrations. An empty revision or "-1" reverts one step,
// "-N" reverts N steps, "0" reverts everything and "N" migrates to version N.
func (m *Migrator) Rollback(ctx context.Context, revision string) error {
	revision = strings.TrimSpace(revision)
	if revision == "" {
		revision = "-1"
	}

	n, err := strconv.Atoi(revision)
	if err != nil {
		return errors.NewValidationError("revision must be an integer", err).WithContext("revision", revision)
	}

	m.logger.Infof("Rolling back migrations, driver: %s, revision: %d", m.info.Driver, n)
	return m.run(ctx, "rollback", func(instance *migrate.Migrate) error {
		switch {
		case n < 0:
			return instance.Steps(n)
		case n == 0:
			return instance.Down()
		default:
			return instance.Migrate(uint(n))
		}
	})
}

// List reports every embedded migration and which are applied.
func (m *Migrator) List(ctx context.Context) (*MigrationStatus, error) {
	status := &MigrationStatus{}

	err := m.run(ctx, "list", func(instance *migrate.Migrate) error {
		version, dirty, err := instance.Version()
		if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		status.HasVersion = err == nil
		status.Version = version
		status.Dirty = dirty
		return nil
	})
	if err != nil {
		return nil, err
	}

	migrations, err := m.embedded()
	if err != nil {
		return nil, err
	}
	for i := range migrations {
		if status.HasVersion {
			migrations[i].Applied = migrations[i].Version <= status.Version
			migrations[i].Current = migrations[i].Version == status.Version
		}
	}
	status.Migrations = migrations

	return status, nil
}

func (m *Migrator) embedded() ([]MigrationInfo, error) {
	src, err := m.newSource()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var migrations []MigrationInfo
	version, err := src.First()
	for err == nil {
		name := ""
		if r, identifier, readErr := src.ReadUp(version); readErr == nil {
			name = identifier
			r.Close()
		}
		migrations = append(migrations, MigrationInfo{Version: version, Name: name})
		version, err = src.Next(version)
	}
	if !stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewIOError("failed to read embedded migrations", err)
	}

	return migrations, nil
}

// Create writes a new migration pair for this migrator's driver into dir.
// An empty dir means the package source tree's migrations/<driver>.
func (m *Migrator) Create(dir, message string) ([]string, error) {
	if dir == "" {
		dir = filepath.Join("pkg", "store", MigrationsDir(m.info.Driver))
	}
	m.logger.Infof("Creating migration, driver: %s, dir: %s", m.info.Driver, dir)
	return CreateMigration(dir, message)
}

var migrationFilePattern = regexp.MustCompile(`^(\d+)_.+\.(up|down)\.sql$`)

// CreateMigration writes an empty NNNNNN_slug.up.sql/.down.sql pair into
// dir, numbered after the highest existing version.
func CreateMigration(dir, message string) ([]string, error) {
	slug := Slugify(message)
	if slug == "" {
		return nil, errors.NewValidationError("migration message cannot be empty", nil)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewIOError("failed to create migrations directory", err).WithContext("dir", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewIOError("failed to read migrations directory", err).WithContext("dir", dir)
	}

	var next uint64 = 1
	for _, entry := range entries {
		match := migrationFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		if v, err := strconv.ParseUint(match[1], 10, 64); err == nil && v >= next {
			next = v + 1
		}
	}

	base := fmt.Sprintf("%06d_%s", next, slug)
	paths := []string{
		filepath.Join(dir, base+".up.sql"),
		filepath.Join(dir, base+".down.sql"),
	}
	for _, path := range paths {
		content := fmt.Sprintf("-- %s\n", strings.TrimSpace(message))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if os.IsExist(err) {
				return nil, errors.NewConflictError("migration file already exists", err).WithContext("path", path)
			}
			return nil, errors.NewIOError("failed to create migration file", err).WithContext("path", path)
		}
		_, writeErr := f.WriteString(content)
		closeErr := f.Close()
		if writeErr != nil || closeErr != nil {
			return nil, errors.NewIOError("failed to write migration file", stderrors.Join(writeErr, closeErr)).WithContext("path", path)
		}
	}

	return paths, nil
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a free form message into a file name fragment.
func Slugify(message string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(message), "_")
	return strings.Trim(slug, "_")
}

// migrateLogger adapts logging.Logger to migrate.Logger.
type migrateLogger struct {
	logger logging.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
