package store

import (
	"context"
	stderrors "errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

func createMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(sqlx.NewDb(db, "sqlmock"), logging.Nop()), mock
}

func TestStore_CreateUser_PostgresUniqueViolation(t *testing.T) {
	s, mock := createMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("alice", "alice@example.com", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := s.CreateUser(context.Background(), "alice", "alice@example.com")
	assert.True(t, errors.IsConflictError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetUser_QueryFailure(t *testing.T) {
	s, mock := createMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, email, registration_date, updated_registration_date FROM users WHERE id = ?")).
		WithArgs(int64(7)).
		WillReturnError(stderrors.New("connection reset"))

	_, err := s.GetUser(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListUsers_Query(t *testing.T) {
	s, mock := createMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "username", "email", "registration_date", "updated_registration_date"}).
		AddRow(2, "bob", "bob@example.com", now, now).
		AddRow(1, "alice", "alice@example.com", now, now)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY registration_date DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs(10, 10).
		WillReturnRows(rows)

	users, err := s.ListUsers(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[0].Username)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateUser_RollsBackWhenMissing(t *testing.T) {
	s, mock := createMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET username = ?, updated_registration_date = ? WHERE id = ?")).
		WithArgs("ghost", sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.UpdateUser(context.Background(), 42, UserUpdate{Username: strPtr("ghost")})
	assert.True(t, errors.IsNotFoundError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteUser_CommitFailure(t *testing.T) {
	s, mock := createMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = ?")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "registration_date", "updated_registration_date"}).
			AddRow(1, "alice", "alice@example.com", now, now))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = ?")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(stderrors.New("disk full"))

	_, err := s.DeleteUser(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueConstraintError(t *testing.T) {
	assert.True(t, isUniqueConstraintError(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueConstraintError(&pq.Error{Code: "23503"}))
	assert.True(t, isUniqueConstraintError(stderrors.New("constraint failed: UNIQUE constraint failed: users.email (2067)")))
	assert.False(t, isUniqueConstraintError(stderrors.New("no such table: users")))
}
