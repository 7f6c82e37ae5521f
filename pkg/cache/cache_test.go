package cache

import (
	"context"
	"errors"
	"path"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store. Scan returns every match in one page.
type memStore struct {
	data    map[string]string
	ttls    map[string]time.Duration
	failGet error
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(_ context.Context, key string) *redis.StringCmd {
	if m.failGet != nil {
		return redis.NewStringResult("", m.failGet)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memStore) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (m *memStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *memStore) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	var keys []string
	for k := range m.data {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return redis.NewScanCmdResult(keys, 0, nil)
}

type entry struct {
	IDs []string `json:"ids"`
}

func TestJSONRoundTrip(t *testing.T) {
	store := newMemStore()
	c := New[entry](store, "search", time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", entry{IDs: []string{"a", "b"}}))
	assert.Equal(t, time.Minute, store.ttls["search:k"])

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got.IDs)
}

func TestGetErrors(t *testing.T) {
	store := newMemStore()
	c := New[entry](store, "search", 0)
	ctx := context.Background()

	store.data["search:bad"] = "{not json"
	_, _, err := c.Get(ctx, "bad")
	assert.ErrorContains(t, err, "decode")

	store.failGet = errors.New("connection refused")
	_, ok, err := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection refused")
}

func TestPurgeOnlyTouchesPrefix(t *testing.T) {
	store := newMemStore()
	c := New[entry](store, "search", 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", entry{}))
	require.NoError(t, c.Set(ctx, "b", entry{}))
	store.data["other:a"] = "x"

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, map[string]string{"other:a": "x"}, store.data)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("ab", ""), Key("a", "b"))
	assert.Len(t, Key("anything"), 64)
}
