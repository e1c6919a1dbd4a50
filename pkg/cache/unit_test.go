package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

func TestCacheUnit_UnreachableRedis(t *testing.T) {
	unit := NewCacheUnit(RedisOptions{Address: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, logging.Nop())
	assert.Equal(t, "cache", unit.Name())
	assert.Empty(t, unit.Dependencies())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := unit.Start(ctx, nil)
	assert.True(t, errors.IsNetworkError(err))
	assert.Nil(t, unit.Cache())
	assert.NoError(t, unit.Stop(ctx))
	assert.NoError(t, unit.Stop(ctx))
}

func TestCacheUnit_StopIsIdempotent(t *testing.T) {
	unit := NewCacheUnit(RedisOptions{Address: "127.0.0.1:1"}, logging.Nop())
	// go-redis dials lazily, so a client exists without a server
	unit.cache = NewRedisCache(unit.options)
	require.NotNil(t, unit.Cache())

	ctx := context.Background()
	assert.NoError(t, unit.Stop(ctx))
	assert.Nil(t, unit.Cache())
	assert.NoError(t, unit.Stop(ctx))
}
