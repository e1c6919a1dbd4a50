package cache

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/store"
)

type memoryCache struct {
	mutex   sync.Mutex
	entries map[string][]byte
	failGet bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.failGet {
		return nil, false, stderrors.New("connection refused")
	}
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memoryCache) has(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.entries[key]
	return ok
}

// MockRepository is a mock implementation of store.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetUser(ctx context.Context, id int64) (*store.User, error) {
	args := m.Called(ctx, id)
	user, _ := args.Get(0).(*store.User)
	return user, args.Error(1)
}

func (m *MockRepository) ListUsers(ctx context.Context, page, perPage int) ([]store.User, error) {
	args := m.Called(ctx, page, perPage)
	users, _ := args.Get(0).([]store.User)
	return users, args.Error(1)
}

func (m *MockRepository) CountUsers(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) CountUsersSince(ctx context.Context, since time.Time) (int64, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) ListUsersByUsernameLength(ctx context.Context, page, perPage int) ([]store.User, error) {
	args := m.Called(ctx, page, perPage)
	users, _ := args.Get(0).([]store.User)
	return users, args.Error(1)
}

func (m *MockRepository) EmailDomainRatio(ctx context.Context, domain string) (float64, error) {
	args := m.Called(ctx, domain)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockRepository) CreateUser(ctx context.Context, username, email string) (*store.User, error) {
	args := m.Called(ctx, username, email)
	user, _ := args.Get(0).(*store.User)
	return user, args.Error(1)
}

func (m *MockRepository) UpdateUser(ctx context.Context, id int64, update store.UserUpdate) (*store.User, error) {
	args := m.Called(ctx, id, update)
	user, _ := args.Get(0).(*store.User)
	return user, args.Error(1)
}

func (m *MockRepository) DeleteUser(ctx context.Context, id int64) (*store.User, error) {
	args := m.Called(ctx, id)
	user, _ := args.Get(0).(*store.User)
	return user, args.Error(1)
}

func testUser(id int64) *store.User {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.User{ID: id, Username: "alice", Email: "alice@example.com", RegistrationDate: now, UpdatedRegistrationDate: now}
}

func TestUserCache_GetUser(t *testing.T) {
	ctx := context.Background()

	t.Run("miss_then_hit", func(t *testing.T) {
		repo := &MockRepository{}
		repo.On("GetUser", mock.Anything, int64(1)).Return(testUser(1), nil).Once()
		memory := newMemoryCache()
		users := NewUserCache(repo, memory, time.Minute, logging.Nop())

		first, err := users.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.True(t, memory.has(UserKey(1)))

		second, err := users.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, first.Username, second.Username)
		assert.True(t, first.RegistrationDate.Equal(second.RegistrationDate))

		repo.AssertNumberOfCalls(t, "GetUser", 1)
	})

	t.Run("not_found_is_not_cached", func(t *testing.T) {
		repo := &MockRepository{}
		repo.On("GetUser", mock.Anything, int64(2)).Return(nil, errors.NewNotFoundError("user not found", nil))
		memory := newMemoryCache()
		users := NewUserCache(repo, memory, time.Minute, logging.Nop())

		_, err := users.GetUser(ctx, 2)
		assert.True(t, errors.IsNotFoundError(err))
		assert.False(t, memory.has(UserKey(2)))
	})

	t.Run("cache_failure_falls_back", func(t *testing.T) {
		repo := &MockRepository{}
		repo.On("GetUser", mock.Anything, int64(3)).Return(testUser(3), nil)
		memory := newMemoryCache()
		memory.failGet = true
		users := NewUserCache(repo, memory, time.Minute, logging.Nop())

		user, err := users.GetUser(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), user.ID)
	})

	t.Run("corrupt_entry_is_replaced", func(t *testing.T) {
		repo := &MockRepository{}
		repo.On("GetUser", mock.Anything, int64(4)).Return(testUser(4), nil)
		memory := newMemoryCache()
		require.NoError(t, memory.Set(ctx, UserKey(4), []byte("{not json"), 0))
		users := NewUserCache(repo, memory, time.Minute, logging.Nop())

		user, err := users.GetUser(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(4), user.ID)
		repo.AssertNumberOfCalls(t, "GetUser", 1)
	})
}

func TestUserCache_WritesInvalidate(t *testing.T) {
	ctx := context.Background()
	repo := &MockRepository{}
	memory := newMemoryCache()
	users := NewUserCache(repo, memory, time.Minute, logging.Nop())

	username := "alice2"
	update := store.UserUpdate{Username: &username}
	repo.On("UpdateUser", mock.Anything, int64(1), update).Return(testUser(1), nil)
	repo.On("DeleteUser", mock.Anything, int64(1)).Return(testUser(1), nil)

	require.NoError(t, memory.Set(ctx, UserKey(1), []byte("{}"), 0))
	_, err := users.UpdateUser(ctx, 1, update)
	require.NoError(t, err)
	assert.False(t, memory.has(UserKey(1)))

	require.NoError(t, memory.Set(ctx, UserKey(1), []byte("{}"), 0))
	_, err = users.DeleteUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, memory.has(UserKey(1)))
}

func TestUserCache_PassesThroughAggregates(t *testing.T) {
	ctx := context.Background()
	repo := &MockRepository{}
	repo.On("CountUsers", mock.Anything).Return(int64(7), nil)
	repo.On("EmailDomainRatio", mock.Anything, "example.com").Return(42.5, nil)

	users := NewUserCache(repo, newMemoryCache(), time.Minute, logging.Nop())

	count, err := users.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)

	ratio, err := users.EmailDomainRatio(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 42.5, ratio)
	repo.AssertExpectations(t)
}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "users:user:42", UserKey(42))
}
