package routing_test

import (
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/routing"
)

func mustKey(t *testing.T, seed string) key.Key {
	t.Helper()
	return key.Compute([]byte(seed))
}

func TestAddRejectsSelf(t *testing.T) {
	owner := mustKey(t, "owner")
	tbl := routing.New(owner, 20)

	added, isNew := tbl.Add(peer.New(owner, "10.0.0.1:9000"))
	require.False(t, added)
	require.False(t, isNew)
	require.Equal(t, 0, tbl.Count())
}

func TestAddThenRefreshSameAddressMovesToTail(t *testing.T) {
	owner := mustKey(t, "owner")
	tbl := routing.New(owner, 2)

	a := peer.New(mustKey(t, "a"), "10.0.0.1:9000")
	added, isNew := tbl.Add(a)
	require.True(t, added)
	require.True(t, isNew)

	added, isNew = tbl.Add(a)
	require.True(t, added)
	require.False(t, isNew)
}

func TestAddKeyCollisionDifferentAddressIsRejected(t *testing.T) {
	owner := mustKey(t, "owner")
	tbl := routing.New(owner, 20)

	k := mustKey(t, "peer")
	added, isNew := tbl.Add(peer.New(k, "10.0.0.1:9000"))
	require.True(t, added)
	require.True(t, isNew)

	added, isNew = tbl.Add(peer.New(k, "10.0.0.2:9000"))
	require.False(t, added)
	require.False(t, isNew)
	require.Equal(t, 1, tbl.Count())

	nearest := tbl.Nearest(k, 10, false)
	require.Len(t, nearest, 1)
	require.Equal(t, "10.0.0.1:9000", nearest[0].Address)
}

func TestCountMatchesInsertions(t *testing.T) {
	owner := mustKey(t, "owner")
	tbl := routing.New(owner, 4)

	accepted := 0
	for i := 0; i < 500; i++ {
		p := peer.New(mustKey(t, fmt.Sprintf("item%d", i)), fmt.Sprintf("10.0.0.1:%d", 10000+i))
		added, _ := tbl.Add(p)
		if added {
			accepted++
		}
	}
	require.Equal(t, accepted, tbl.Count())
}

func TestNearestReturnsTrueClosestSet(t *testing.T) {
	owner := mustKey(t, "node0")
	tbl := routing.New(owner, 4)

	type inserted struct {
		k    key.Key
		addr string
	}
	var all []inserted
	for i := 0; i < 300; i++ {
		k := mustKey(t, fmt.Sprintf("item%d", i))
		addr := fmt.Sprintf("10.0.0.1:%d", 10000+i)
		added, _ := tbl.Add(peer.New(k, addr))
		if added {
			all = append(all, inserted{k, addr})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return key.XOR(owner, all[i].k).Less(key.XOR(owner, all[j].k))
	})

	n := 10
	want := make([]key.Key, 0, n)
	for i := 0; i < n && i < len(all); i++ {
		want = append(want, all[i].k)
	}

	got := tbl.Nearest(owner, n, false)
	gotKeys := make([]key.Key, 0, len(got))
	for _, p := range got {
		gotKeys = append(gotKeys, p.Key)
	}
	sort.Slice(gotKeys, func(i, j int) bool { return gotKeys[i].String() < gotKeys[j].String() })
	sort.Slice(want, func(i, j int) bool { return want[i].String() < want[j].String() })

	if diff := cmp.Diff(want, gotKeys); diff != "" {
		t.Fatalf("nearest set mismatch (-want +got):\n%s", diff)
	}
}

func TestNearestOnlyClosestBucketStaysWithinOneLeaf(t *testing.T) {
	owner := mustKey(t, "owner-bucket")
	tbl := routing.New(owner, 2)

	for i := 0; i < 40; i++ {
		tbl.Add(peer.New(mustKey(t, fmt.Sprintf("p%d", i)), fmt.Sprintf("10.0.0.1:%d", 10000+i)))
	}

	restricted := tbl.Nearest(owner, 100, true)
	general := tbl.Nearest(owner, 100, false)
	require.LessOrEqual(t, len(restricted), len(general))
	// A single leaf holds at most k=2 peers.
	require.LessOrEqual(t, len(restricted), 2)
}

func TestBucketNeverExceedsK(t *testing.T) {
	owner := mustKey(t, "cap-owner")
	const k = 3
	tbl := routing.New(owner, k)

	for i := 0; i < 200; i++ {
		tbl.Add(peer.New(mustKey(t, fmt.Sprintf("cap%d", i)), fmt.Sprintf("10.0.0.1:%d", 10000+i)))
	}

	// Nearest with onlyClosestBucket returns the contents of a single leaf,
	// so probing it from every inserted key checks that none of the leaves
	// reached holds more than k peers.
	require.LessOrEqual(t, tbl.Count(), 200)
	for i := 0; i < 200; i++ {
		target := mustKey(t, fmt.Sprintf("cap%d", i))
		require.LessOrEqual(t, len(tbl.Nearest(target, 1000, true)), k)
	}
}

func TestRemove(t *testing.T) {
	owner := mustKey(t, "owner")
	tbl := routing.New(owner, 20)

	p := mustKey(t, "removable")
	tbl.Add(peer.New(p, "10.0.0.1:9000"))
	require.Equal(t, 1, tbl.Count())

	require.True(t, tbl.Remove(p))
	require.Equal(t, 0, tbl.Count())
	require.False(t, tbl.Remove(p))
}

func TestAddedChannelReceivesNewPeers(t *testing.T) {
	owner := mustKey(t, "owner")
	tbl := routing.New(owner, 20)

	p := mustKey(t, "notify-me")
	tbl.Add(peer.New(p, "10.0.0.1:9000"))

	select {
	case got := <-tbl.Added():
		require.True(t, got.Equal(p))
	default:
		t.Fatal("expected a PeerAdded notification")
	}
}
