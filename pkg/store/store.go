package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

const (
	MaxPerPage = 100

	userColumns = "id, username, email, registration_date, updated_registration_date"
)

type Options struct {
	MaxOpenConns int
}

// Store implements Repository over sqlx.
type Store struct {
	db     *sqlx.DB
	logger logging.Logger
	now    func() time.Time
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, options Options, logger logging.Logger) (*Store, error) {
	info, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(info.Driver, info.DataSource)
	if err != nil {
		return nil, errors.NewIOError("failed to open database", err).WithContext("driver", info.Driver)
	}

	maxOpen := options.MaxOpenConns
	if maxOpen == 0 && info.Driver == DriverSQLite {
		maxOpen = 1 // single writer
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewIOError("failed to ping database", err).WithContext("driver", info.Driver)
	}

	logger.Infof("Database connected, driver: %s, max_open_conns: %d", info.Driver, maxOpen)

	return NewStore(db, logger), nil
}

// NewStore wraps an existing connection.
func NewStore(db *sqlx.DB, logger logging.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, s.db, id)
}

func (s *Store) getUser(ctx context.Context, q sqlx.QueryerContext, id int64) (*User, error) {
	var user User
	query := s.db.Rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	if err := sqlx.GetContext(ctx, q, &user, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("user not found", nil).WithContext("user_id", id)
		}
		return nil, errors.NewIOError("failed to get user", err).WithContext("user_id", id)
	}
	return &user, nil
}

// ListUsers returns a page of users, newest registrations first.
func (s *Store) ListUsers(ctx context.Context, page, perPage int) ([]User, error) {
	return s.listUsers(ctx, "registration_date DESC, id DESC", page, perPage)
}

// ListUsersByUsernameLength returns a page of users, longest usernames first.
func (s *Store) ListUsersByUsernameLength(ctx context.Context, page, perPage int) ([]User, error) {
	return s.listUsers(ctx, "LENGTH(username) DESC, id ASC", page, perPage)
}

func (s *Store) listUsers(ctx context.Context, orderBy string, page, perPage int) ([]User, error) {
	if err := ValidatePage(page, perPage); err != nil {
		return nil, err
	}

	users := make([]User, 0, perPage)
	query := s.db.Rebind("SELECT " + userColumns + " FROM users ORDER BY " + orderBy + " LIMIT ? OFFSET ?")
	if err := s.db.SelectContext(ctx, &users, query, perPage, (page-1)*perPage); err != nil {
		return nil, errors.NewIOError("failed to list users", err)
	}
	return users, nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(id) FROM users"); err != nil {
		return 0, errors.NewIOError("failed to count users", err)
	}
	return count, nil
}

// CountUsersSince counts users registered at or after since.
func (s *Store) CountUsersSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	query := s.db.Rebind("SELECT COUNT(id) FROM users WHERE registration_date >= ?")
	if err := s.db.GetContext(ctx, &count, query, since.UTC()); err != nil {
		return 0, errors.NewIOError("failed to count recent users", err)
	}
	return count, nil
}

// EmailDomainRatio returns the percentage of users whose email is at
// domain, rounded to two decimals. It is 0 when there are no users.
func (s *Store) EmailDomainRatio(ctx context.Context, domain string) (float64, error) {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	if domain == "" {
		return 0, errors.NewValidationError("domain cannot be empty", nil)
	}

	total, err := s.CountUsers(ctx)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	var matching int64
	query := s.db.Rebind(`SELECT COUNT(id) FROM users WHERE LOWER(email) LIKE ? ESCAPE '\'`)
	if err := s.db.GetContext(ctx, &matching, query, "%@"+escapeLike(domain)); err != nil {
		return 0, errors.NewIOError("failed to count users by email domain", err).WithContext("domain", domain)
	}

	return roundPercent(matching, total), nil
}

func (s *Store) CreateUser(ctx context.Context, username, email string) (*User, error) {
	now := s.timestamp()
	user := &User{
		Username:                username,
		Email:                   email,
		RegistrationDate:        now,
		UpdatedRegistrationDate: now,
	}

	query := s.db.Rebind("INSERT INTO users (username, email, registration_date, updated_registration_date) VALUES (?, ?, ?, ?) RETURNING id")
	if err := s.db.QueryRowxContext(ctx, query, username, email, now, now).Scan(&user.ID); err != nil {
		if isUniqueConstraintError(err) {
			return nil, errors.NewConflictError("user with this username or email already exists", err).
				WithContext("username", username)
		}
		return nil, errors.NewIOError("failed to create user", err)
	}

	s.logger.Debugf("User created, id: %d, username: %s", user.ID, user.Username)
	return user, nil
}

// UpdateUser applies the non-nil fields of update. An empty update returns
// the user unchanged.
func (s *Store) UpdateUser(ctx context.Context, id int64, update UserUpdate) (*User, error) {
	if update.IsEmpty() {
		return s.GetUser(ctx, id)
	}

	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if update.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *update.Username)
	}
	if update.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *update.Email)
	}
	sets = append(sets, "updated_registration_date = ?")
	args = append(args, s.timestamp(), id)

	var user *User
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind("UPDATE users SET " + strings.Join(sets, ", ") + " WHERE id = ?")
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			if isUniqueConstraintError(err) {
				return errors.NewConflictError("user with this username or email already exists", err).WithContext("user_id", id)
			}
			return errors.NewIOError("failed to update user", err).WithContext("user_id", id)
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return errors.NewNotFoundError("user not found", nil).WithContext("user_id", id)
		}

		user, err = s.getUser(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("User updated, id: %d", id)
	return user, nil
}

// DeleteUser removes the user and returns it as it was.
func (s *Store) DeleteUser(ctx context.Context, id int64) (*User, error) {
	var user *User
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		user, err = s.getUser(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM users WHERE id = ?"), id); err != nil {
			return errors.NewIOError("failed to delete user", err).WithContext("user_id", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("User deleted, id: %d", id)
	return user, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewIOError("failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warnf("Failed to roll back transaction: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewIOError("failed to commit transaction", err)
	}
	return nil
}

// ValidatePage checks 1-based pagination arguments.
func ValidatePage(page, perPage int) error {
	if page < 1 {
		return errors.NewValidationError("page must be at least 1", nil).WithContext("page", page)
	}
	if perPage < 1 || perPage > MaxPerPage {
		return errors.NewValidationError("per_page must be between 1 and 100", nil).WithContext("per_page", perPage)
	}
	return nil
}

// TotalPages returns ceil(total/perPage).
func TotalPages(total int64, perPage int) int64 {
	if perPage <= 0 {
		return 0
	}
	return (total + int64(perPage) - 1) / int64(perPage)
}

func roundPercent(part, total int64) float64 {
	return math.Round(float64(part)/float64(total)*100*100) / 100
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueConstraintError(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
