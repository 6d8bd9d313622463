// Package store implements the node's local value store: a size-bounded
// cache tier touched by every GET/PUT, and an unbounded-by-count,
// age-bounded long-term tier populated only when the owner is among the k
// closest known peers to a key.
package store

import (
	"time"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/mru"
	"github.com/harrowgate/kadnet/internal/peer"
)

// NearestLookup is the narrow view of the routing table the store needs to
// decide long-term placement: "who are the k closest known peers to this
// key". Expressed as an interface so the store never holds a pointer into
// the routing table's own state (§5, "Shared state policy").
type NearestLookup interface {
	Nearest(target key.Key, n int, onlyClosestBucket bool) []peer.Info
}

// Metrics is the narrow observability hook the store reports through; a nil
// Metrics makes every call a no-op, so unit tests can omit it entirely.
type Metrics interface {
	StorePut()
	StoreGetHit()
	StoreGetMiss()
	StoreExpired(n int)
}

type noopMetrics struct{}

func (noopMetrics) StorePut()        {}
func (noopMetrics) StoreGetHit()     {}
func (noopMetrics) StoreGetMiss()    {}
func (noopMetrics) StoreExpired(int) {}

// Options configures a Store.
type Options struct {
	K          int
	CacheSize  int
	MaxAge     time.Duration
	Routing    NearestLookup
	Owner      key.Key
	Metrics    Metrics
	// Broadcast is the prepared-but-disabled replicate-to-replicas hook
	// (§9 "Broadcast-to-replicas"). It is called whenever this node
	// becomes the owner-of-record for a key, but is a no-op by default.
	Broadcast func(k key.Key, data []byte, replicas []peer.Info)
}

// Store is the two-tier local value store.
type Store struct {
	k         int
	owner     key.Key
	routing   NearestLookup
	metrics   Metrics
	broadcast func(key.Key, []byte, []peer.Info)

	cache    *mru.Cache[key.Key, []byte]
	longTerm *mru.Cache[key.Key, []byte]

	ownerOfRecord map[key.Key]bool
}

// New constructs a Store from opts, filling in defaults for an absent
// Metrics or Broadcast hook.
func New(opts Options) *Store {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	broadcast := opts.Broadcast
	if broadcast == nil {
		broadcast = func(key.Key, []byte, []peer.Info) {}
	}
	return &Store{
		k:             opts.K,
		owner:         opts.Owner,
		routing:       opts.Routing,
		metrics:       metrics,
		broadcast:     broadcast,
		cache:         mru.New[key.Key, []byte](opts.CacheSize, opts.MaxAge),
		longTerm:      mru.New[key.Key, []byte](0, opts.MaxAge),
		ownerOfRecord: make(map[key.Key]bool),
	}
}

// Put always inserts into the cache tier, then evaluates long-term
// placement synchronously, before returning: if the owner is among the k
// closest known peers to key, the value is also promoted into the
// long-term tier; if the owner is
// the single closest, the item is additionally marked owner-of-record and
// the (disabled-by-default) broadcast hook is invoked.
func (s *Store) Put(k key.Key, data []byte) {
	s.cache.Add(k, data)
	s.metrics.StorePut()

	if s.routing == nil {
		return
	}
	closest := s.routing.Nearest(k, s.k, true)
	owned := false
	isPrimary := len(closest) > 0 && closest[0].Key == s.owner
	for _, p := range closest {
		if p.Key == s.owner {
			owned = true
			break
		}
	}
	if !owned {
		return
	}
	s.longTerm.Add(k, data)
	if isPrimary {
		s.ownerOfRecord[k] = true
		s.broadcast(k, data, closest)
	}
}

// Get consults the cache tier, then the long-term tier.
func (s *Store) Get(k key.Key) ([]byte, bool) {
	if v, ok := s.cache.TryGet(k); ok {
		s.metrics.StoreGetHit()
		return v, true
	}
	if v, ok := s.longTerm.TryGet(k); ok {
		s.metrics.StoreGetHit()
		return v, true
	}
	s.metrics.StoreGetMiss()
	return nil, false
}

// Expire applies age-based eviction to both tiers.
func (s *Store) Expire() {
	n := s.cache.ExpireOld() + s.longTerm.ExpireOld()
	if n > 0 {
		s.metrics.StoreExpired(n)
	}
}

// Stats summarizes the store's current contents.
type Stats struct {
	CacheCount     int
	LongTermCount  int
	OldestCache    time.Time
	OldestLongTerm time.Time
	TotalBytes     int
}

// Stats returns count, oldest timestamp and total bytes across both tiers.
func (s *Store) Stats() Stats {
	sizeOf := func(b []byte) int { return len(b) }
	return Stats{
		CacheCount:     s.cache.Count(),
		LongTermCount:  s.longTerm.Count(),
		OldestCache:    s.cache.OldestTimestamp(),
		OldestLongTerm: s.longTerm.OldestTimestamp(),
		TotalBytes:     s.cache.TotalBytes(sizeOf) + s.longTerm.TotalBytes(sizeOf),
	}
}

// RunExpiryLoop issues Expire every maxAge/3 until stop is closed, matching
// §4.D's periodic driver. Intended to run in its own goroutine.
func RunExpiryLoop(s *Store, maxAge time.Duration, stop <-chan struct{}) {
	interval := maxAge / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Expire()
		case <-stop:
			return
		}
	}
}
