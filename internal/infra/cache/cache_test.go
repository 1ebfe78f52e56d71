package cache_test

import (
	"testing"
	"time"

	"github.com/boddenberg/quality-loop-go/internal/infra/cache"
	"github.com/boddenberg/quality-loop-go/internal/infra/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[string](5*time.Minute, clock.NewManual(epoch))
	defer c.Close()

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	require.True(t, ok, "expected key to exist")
	assert.Equal(t, "value1", val)
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5*time.Minute, clock.NewManual(epoch))
	defer c.Close()

	_, ok := c.Get("nonexistent")
	assert.False(t, ok, "expected cache miss for nonexistent key")
}

func TestCache_Expiration(t *testing.T) {
	clk := clock.NewManual(epoch)
	c := cache.New[string](time.Minute, clk)
	defer c.Close()

	c.Set("key1", "value1")
	clk.Advance(61 * time.Second)

	_, ok := c.Get("key1")
	assert.False(t, ok, "expected cache entry to be expired")
}

func TestCache_SweeperRemovesExpired(t *testing.T) {
	clk := clock.NewManual(epoch)
	c := cache.New[int](time.Minute, clk)
	defer c.Close()

	require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, 5*time.Millisecond)

	c.Set("a", 1)
	clk.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[string](5*time.Minute, clock.NewManual(epoch))
	defer c.Close()

	c.Set("key1", "value1")
	c.Delete("key1")

	_, ok := c.Get("key1")
	assert.False(t, ok, "expected key to be deleted")
}
