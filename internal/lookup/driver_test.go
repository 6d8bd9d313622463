package lookup_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/lookup"
	"github.com/harrowgate/kadnet/internal/peer"
)

type fakeLocalStore struct {
	data map[key.Key][]byte
}

func newFakeLocalStore() *fakeLocalStore { return &fakeLocalStore{data: map[key.Key][]byte{}} }

func (s *fakeLocalStore) Get(k key.Key) ([]byte, bool) {
	v, ok := s.data[k]
	return v, ok
}

func (s *fakeLocalStore) Put(k key.Key, data []byte) { s.data[k] = data }

func TestGetReturnsImmediatelyOnLocalHit(t *testing.T) {
	store := newFakeLocalStore()
	target := key.Compute([]byte("k"))
	store.Put(target, []byte("local value"))

	drivers := &lookup.Drivers{Engine: lookup.New(lookup.Options{Sender: nil, Seed: nil}), Store: store, K: 4}
	result := drivers.Get(context.Background(), target)

	require.True(t, result.Found)
	require.Equal(t, []byte("local value"), result.Data)
	require.Equal(t, 0, result.Visited)
}

func TestGetFallsBackToNetworkAndCachesResult(t *testing.T) {
	a := peerFor("a", "a:1")
	net := &fakeNetwork{
		byAddr:  map[string]peer.Info{"a:1": a},
		values:  map[key.Key][]byte{a.Key: []byte("network value")},
		seedSet: []peer.Info{a},
	}

	store := newFakeLocalStore()
	engine := lookup.New(lookup.Options{Sender: net, Seed: net})
	drivers := &lookup.Drivers{Engine: engine, Store: store, K: 4}

	target := key.Compute([]byte("missing"))
	result := drivers.Get(context.Background(), target)

	require.True(t, result.Found)
	require.Equal(t, []byte("network value"), result.Data)

	cached, ok := store.Get(target)
	require.True(t, ok)
	require.Equal(t, []byte("network value"), cached)
}

func TestPutComputesKeyFromDataHash(t *testing.T) {
	a := peerFor("a", "a:1")
	net := &fakeNetwork{
		byAddr:    map[string]peer.Info{"a:1": a},
		neighbors: map[key.Key][]peer.Info{},
		seedSet:   []peer.Info{a},
	}

	engine := lookup.New(lookup.Options{Sender: net, Seed: net})
	drivers := &lookup.Drivers{Engine: engine, Store: newFakeLocalStore(), K: 1}

	data := []byte("payload")
	result := drivers.Put(context.Background(), data)

	require.Equal(t, key.Compute(data), result.Key)
	require.Equal(t, 1, result.Successful)
}

func TestRefreshWithExplicitTargetUsesKOne(t *testing.T) {
	a := peerFor("a", "a:1")
	b := peerFor("b", "b:1")
	net := &fakeNetwork{
		byAddr:    map[string]peer.Info{"a:1": a, "b:1": b},
		neighbors: map[key.Key][]peer.Info{},
		seedSet:   []peer.Info{a, b},
	}

	engine := lookup.New(lookup.Options{Sender: net, Seed: net})
	drivers := &lookup.Drivers{Engine: engine, Store: newFakeLocalStore(), K: 4}

	target := key.Compute([]byte("new-peer"))
	result := drivers.Refresh(context.Background(), &target, key.Compute([]byte("owner")))

	require.Equal(t, target, result.Target)
	// k=1 seeds the lookup with a single peer; with k=4 both a and b would
	// be queried in the first round.
	require.Equal(t, 1, result.Visited)
}

func TestRefreshWithNilTargetUsesOwnerKey(t *testing.T) {
	a := peerFor("a", "a:1")
	net := &fakeNetwork{
		byAddr:    map[string]peer.Info{"a:1": a},
		neighbors: map[key.Key][]peer.Info{},
		seedSet:   []peer.Info{a},
	}

	engine := lookup.New(lookup.Options{Sender: net, Seed: net})
	drivers := &lookup.Drivers{Engine: engine, Store: newFakeLocalStore(), K: 4}

	owner := key.Compute([]byte("owner"))
	result := drivers.Refresh(context.Background(), nil, owner)

	require.Equal(t, owner, result.Target)
}
