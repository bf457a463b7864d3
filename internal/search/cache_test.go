package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	data    map[string]string
	getErr  error
	setErr  error
	setTTLs []time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.setTTLs = append(f.setTTLs, expiration)
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

type countingSearcher struct {
	calls int
	hits  []Hit
	err   error
}

func (s *countingSearcher) Search(context.Context, string) ([]Hit, error) {
	s.calls++
	return s.hits, s.err
}

func TestCached_MissThenHit(t *testing.T) {
	kv := newFakeKV()
	next := &countingSearcher{hits: []Hit{{URL: "https://x.example/a", Title: "A"}}}
	c := NewCached(next, kv, time.Hour, nil)

	first, err := c.Search(context.Background(), "ashenvale")
	require.NoError(t, err)
	second, err := c.Search(context.Background(), "ashenvale")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, []time.Duration{time.Hour}, kv.setTTLs)

	var stored []Hit
	require.NoError(t, json.Unmarshal([]byte(kv.data[cacheKey("ashenvale")]), &stored))
	assert.Equal(t, next.hits, stored)
}

func TestCached_EmptyResultsNotCached(t *testing.T) {
	kv := newFakeKV()
	next := &countingSearcher{hits: []Hit{}}
	c := NewCached(next, kv, time.Hour, nil)

	_, err := c.Search(context.Background(), "nothing")
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
	assert.Empty(t, kv.data)
}

func TestCached_CacheFailuresFallThrough(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("connection refused")
	kv.setErr = errors.New("connection refused")
	next := &countingSearcher{hits: []Hit{{URL: "https://x.example/a"}}}
	c := NewCached(next, kv, time.Minute, nil)

	hits, err := c.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, next.calls)
}

func TestCached_CorruptEntryRefetched(t *testing.T) {
	kv := newFakeKV()
	kv.data[cacheKey("q")] = "{not json"
	next := &countingSearcher{hits: []Hit{{URL: "https://x.example/a"}}}
	c := NewCached(next, kv, time.Minute, nil)

	hits, err := c.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, next.calls)
}

func TestCached_ProviderError(t *testing.T) {
	next := &countingSearcher{err: errors.New("provider down")}
	c := NewCached(next, newFakeKV(), time.Minute, nil)
	_, err := c.Search(context.Background(), "q")
	require.Error(t, err)
}
