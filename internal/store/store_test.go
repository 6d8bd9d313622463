package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/store"
)

type fakeRouting struct {
	closest []peer.Info
}

func (f fakeRouting) Nearest(target key.Key, n int, onlyClosestBucket bool) []peer.Info {
	if n < len(f.closest) {
		return f.closest[:n]
	}
	return f.closest
}

func TestPutAlwaysHitsCacheTier(t *testing.T) {
	s := store.New(store.Options{K: 4, CacheSize: 10, MaxAge: time.Hour})
	k := key.Compute([]byte("hello world"))
	s.Put(k, []byte("hello world"))

	got, ok := s.Get(k)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), got)
}

func TestGetMissReturnsFalse(t *testing.T) {
	s := store.New(store.Options{K: 4, CacheSize: 10, MaxAge: time.Hour})
	_, ok := s.Get(key.Compute([]byte("absent")))
	require.False(t, ok)
}

func TestPutPromotesToLongTermWhenOwnerIsAmongClosest(t *testing.T) {
	owner := key.Compute([]byte("owner"))
	other := key.Compute([]byte("other"))

	s := store.New(store.Options{
		K:         4,
		CacheSize: 1, // force eviction from the cache tier quickly
		MaxAge:    time.Hour,
		Owner:     owner,
		Routing: fakeRouting{closest: []peer.Info{
			peer.New(owner, "10.0.0.1:1"),
			peer.New(other, "10.0.0.2:2"),
		}},
	})

	k1 := key.Compute([]byte("k1"))
	k2 := key.Compute([]byte("k2"))
	s.Put(k1, []byte("v1"))
	s.Put(k2, []byte("v2")) // evicts k1 from the cache tier (size 1)

	// k1 was promoted to long-term because owner was in "closest", so it
	// must still be retrievable even though it fell out of the cache tier.
	got, ok := s.Get(k1)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), got)
}

func TestPutDoesNotPromoteWhenOwnerIsNotAmongClosest(t *testing.T) {
	owner := key.Compute([]byte("owner"))
	other := key.Compute([]byte("other"))

	s := store.New(store.Options{
		K:         4,
		CacheSize: 1,
		MaxAge:    time.Hour,
		Owner:     owner,
		Routing: fakeRouting{closest: []peer.Info{
			peer.New(other, "10.0.0.2:2"),
		}},
	})

	k1 := key.Compute([]byte("k1"))
	k2 := key.Compute([]byte("k2"))
	s.Put(k1, []byte("v1"))
	s.Put(k2, []byte("v2"))

	_, ok := s.Get(k1)
	require.False(t, ok)
}

func TestExpireRemovesAgedOutEntries(t *testing.T) {
	s := store.New(store.Options{K: 4, CacheSize: 10, MaxAge: 2 * time.Second})
	k := key.Compute([]byte("expiring"))
	s.Put(k, []byte("value"))

	_, ok := s.Get(k)
	require.True(t, ok)

	time.Sleep(3 * time.Second)
	s.Expire()

	_, ok = s.Get(k)
	require.False(t, ok)
}

func TestStatsReportsCountsAndBytes(t *testing.T) {
	s := store.New(store.Options{K: 4, CacheSize: 10, MaxAge: time.Hour})
	s.Put(key.Compute([]byte("a")), []byte("hello"))
	s.Put(key.Compute([]byte("b")), []byte("world!"))

	stats := s.Stats()
	require.Equal(t, 2, stats.CacheCount)
	require.Equal(t, 11, stats.TotalBytes)
}
