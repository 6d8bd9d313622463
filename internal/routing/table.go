// Package routing implements the prefix-tree of k-buckets that backs a
// node's view of the network: a binary tree whose leaves are MRU-bounded
// buckets of peer.Info, splitting only along the path to the owner's own
// key, as required to keep Kademlia's bucket invariants intact.
package routing

import (
	"sort"
	"sync"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/mru"
	"github.com/harrowgate/kadnet/internal/peer"
)

// node is either a leaf holding a bucket, or an internal node splitting on
// the bit at depth. Children are owned, never shared: left is the side that
// agrees with the owner's key at this bit (the side that can keep
// splitting), right is the side that disagrees (terminal once created).
type node struct {
	isLeaf    bool
	depth     int
	ownerPath bool
	bucket    *mru.Cache[key.Key, peer.Info]
	left      *node
	right     *node
}

func newLeaf(depth int, ownerPath bool, k int) *node {
	return &node{
		isLeaf:    true,
		depth:     depth,
		ownerPath: ownerPath,
		bucket:    mru.New[key.Key, peer.Info](k, 0),
	}
}

// Metrics is the narrow observability hook the table reports through; a
// nil Metrics (the default) makes every call a no-op.
type Metrics interface {
	RoutingSplit()
	RoutingCapacityRefusal()
}

type noopMetrics struct{}

func (noopMetrics) RoutingSplit()          {}
func (noopMetrics) RoutingCapacityRefusal() {}

// Table is a node's routing table: a prefix tree of k-buckets keyed by
// shared prefix with the owner.
type Table struct {
	owner   key.Key
	k       int
	mu      sync.Mutex
	root    *node
	added   chan key.Key
	metrics Metrics
}

// New returns an empty routing table for owner, with bucket size k.
func New(owner key.Key, k int) *Table {
	return &Table{
		owner:   owner,
		k:       k,
		root:    newLeaf(0, true, k),
		added:   make(chan key.Key, 256),
		metrics: noopMetrics{},
	}
}

// SetMetrics installs m as the table's observability sink. Called by the
// node supervisor once a Prometheus registry is available; tests and
// other constructors may leave it unset.
func (t *Table) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	t.mu.Lock()
	t.metrics = m
	t.mu.Unlock()
}

// Added returns the channel on which newly-accepted peer keys are posted.
// The node supervisor drains it to drive the per-peer refresh (§4.I).
func (t *Table) Added() <-chan key.Key {
	return t.added
}

// bitAt returns the value of bit i (0 = most significant) of the XOR
// distance between owner and k — equivalently, whether k agrees (0) or
// disagrees (1) with owner at that bit position.
func bitAt(owner, k key.Key, i int) int {
	d := key.XOR(owner, k)
	byteIdx, bitIdx := i/8, i%8
	return int((d[byteIdx] >> (7 - bitIdx)) & 1)
}

// Add inserts peer, returning (added, isNew). See package doc and §4.C for
// the full collision/split policy.
func (t *Table) Add(p peer.Info) (added, isNew bool) {
	if !p.HasKey() || p.Key == t.owner {
		return false, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addAt(t.root, p)
}

func (t *Table) addAt(n *node, p peer.Info) (added, isNew bool) {
	if !n.isLeaf {
		if bitAt(t.owner, p.Key, n.depth) == 0 {
			return t.addAt(n.left, p)
		}
		return t.addAt(n.right, p)
	}

	if existing, ok := n.bucket.TryGet(p.Key); ok {
		if existing.Address != p.Address {
			return false, false
		}
		n.bucket.Add(p.Key, p)
		return true, false
	}

	if n.bucket.Count() < t.k {
		n.bucket.Add(p.Key, p)
		t.notifyAdded(p.Key)
		return true, true
	}

	if !n.ownerPath {
		t.metrics.RoutingCapacityRefusal()
		return false, false
	}

	t.splitLeaf(n)
	return t.addAt(n, p)
}

// splitLeaf converts the full, splittable leaf n into an internal node with
// two fresh leaf children at depth+1, redistributing n's current contents
// by the bit at n.depth. Only the child that agrees with the owner at that
// bit (left) stays splittable.
func (t *Table) splitLeaf(n *node) {
	depth := n.depth
	left := newLeaf(depth+1, n.ownerPath, t.k)
	right := newLeaf(depth+1, false, t.k)

	for _, p := range n.bucket.Values() {
		if bitAt(t.owner, p.Key, depth) == 0 {
			left.bucket.Add(p.Key, p)
		} else {
			right.bucket.Add(p.Key, p)
		}
	}

	n.isLeaf = false
	n.bucket = nil
	n.left = left
	n.right = right
	t.metrics.RoutingSplit()
}

func (t *Table) notifyAdded(k key.Key) {
	select {
	case t.added <- k:
	default:
		// Hint channel is best-effort; a full buffer just means the
		// discovery driver (I) is behind and will catch up on its own
		// periodic refresh.
	}
}

// Remove deletes peer k from whichever bucket holds it. It reports whether
// the key was present.
func (t *Table) Remove(k key.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for !n.isLeaf {
		if bitAt(t.owner, k, n.depth) == 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.bucket.Remove(k)
}

// Count returns the total number of peers held across all buckets.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countAt(t.root)
}

func (t *Table) countAt(n *node) int {
	if n.isLeaf {
		return n.bucket.Count()
	}
	return t.countAt(n.left) + t.countAt(n.right)
}

// Nearest returns up to n peers closest to target by XOR distance. If
// onlyClosestBucket is set, the search is restricted to the single leaf
// bucket nearest target, per §4.C's restricted merge policy; otherwise
// every bucket is searched.
func (t *Table) Nearest(target key.Key, n int, onlyClosestBucket bool) []peer.Info {
	t.mu.Lock()
	var peers []peer.Info
	if onlyClosestBucket {
		peers = t.nearestBucketPeers(t.root, target)
	} else {
		peers = t.collectAll(t.root)
	}
	t.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		return key.XOR(target, peers[i].Key).Less(key.XOR(target, peers[j].Key))
	})
	if n < len(peers) {
		peers = peers[:n]
	}
	return peers
}

// nearestBucketPeers follows target's own bit path from the root: at each
// internal node it descends into the side that agrees with target at that
// bit first, falling back to the other side only if the preferred side
// turns out to be empty. This always lands on a single leaf, the one whose
// prefix is closest to target.
func (t *Table) nearestBucketPeers(n *node, target key.Key) []peer.Info {
	if n.isLeaf {
		return n.bucket.Values()
	}
	near, far := n.left, n.right
	if bitAt(t.owner, target, n.depth) != 0 {
		near, far = n.right, n.left
	}
	if peers := t.nearestBucketPeers(near, target); len(peers) > 0 {
		return peers
	}
	return t.nearestBucketPeers(far, target)
}

func (t *Table) collectAll(n *node) []peer.Info {
	if n.isLeaf {
		return append([]peer.Info(nil), n.bucket.Values()...)
	}
	left := t.collectAll(n.left)
	return append(left, t.collectAll(n.right)...)
}
