package remote_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/remote"
	"github.com/harrowgate/kadnet/internal/wire"
)

type fakeRouting struct {
	addedSenders []peer.Info
	nearestSet   []peer.Info
}

func (f *fakeRouting) Add(p peer.Info) (bool, bool) {
	f.addedSenders = append(f.addedSenders, p)
	return true, true
}

func (f *fakeRouting) Nearest(target key.Key, n int, onlyClosestBucket bool) []peer.Info {
	return f.nearestSet
}

type fakeStore struct {
	data map[key.Key][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[key.Key][]byte{}} }

func (s *fakeStore) Put(k key.Key, data []byte) { s.data[k] = data }
func (s *fakeStore) Get(k key.Key) ([]byte, bool) {
	v, ok := s.data[k]
	return v, ok
}

func newHandler(rt *fakeRouting, st *fakeStore) *remote.Handler {
	self := peer.New(key.Compute([]byte("self")), "127.0.0.1:9000")
	return remote.New(remote.Options{Self: self, K: 4, Routing: rt, Store: st})
}

func TestPingFoldsIntoSelfFindPeer(t *testing.T) {
	other := peer.New(key.Compute([]byte("other")), "10.0.0.1:1")
	rt := &fakeRouting{nearestSet: []peer.Info{other}}
	h := newHandler(rt, newFakeStore())

	resp := h.Handle(context.Background(), wire.Request{Op: wire.OpPing})
	require.True(t, resp.Success)
	require.Len(t, resp.Peers, 1)
	require.True(t, resp.Peers[0].Equal(other))
}

func TestPingWithNoKnownPeersFails(t *testing.T) {
	h := newHandler(&fakeRouting{}, newFakeStore())

	resp := h.Handle(context.Background(), wire.Request{Op: wire.OpPing})
	require.False(t, resp.Success)
	require.Empty(t, resp.Peers)
}

func TestFindPeerWithNoKnownPeersFails(t *testing.T) {
	h := newHandler(&fakeRouting{}, newFakeStore())

	resp := h.Handle(context.Background(), wire.Request{Op: wire.OpFindPeer, Target: key.Compute([]byte("target"))})
	require.False(t, resp.Success)
	require.Empty(t, resp.Peers)
}

func TestFindPeerWithKnownPeersSucceeds(t *testing.T) {
	other := peer.New(key.Compute([]byte("other")), "10.0.0.1:1")
	rt := &fakeRouting{nearestSet: []peer.Info{other}}
	h := newHandler(rt, newFakeStore())

	resp := h.Handle(context.Background(), wire.Request{Op: wire.OpFindPeer, Target: key.Compute([]byte("target"))})
	require.True(t, resp.Success)
	require.Len(t, resp.Peers, 1)
}

func TestStoreInsertsAndAcknowledges(t *testing.T) {
	st := newFakeStore()
	h := newHandler(&fakeRouting{}, st)

	target := key.Compute([]byte("target"))
	resp := h.Handle(context.Background(), wire.Request{Op: wire.OpStore, Target: target, Data: []byte("v")})
	require.True(t, resp.Success)

	got, ok := st.Get(target)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}

func TestFindValueHitReturnsData(t *testing.T) {
	st := newFakeStore()
	target := key.Compute([]byte("target"))
	st.Put(target, []byte("stored"))
	h := newHandler(&fakeRouting{}, st)

	resp := h.Handle(context.Background(), wire.Request{Op: wire.OpFindValue, Target: target})
	require.True(t, resp.Success)
	require.Equal(t, []byte("stored"), resp.Data)
}

func TestFindValueMissReturnsNearestPeers(t *testing.T) {
	other := peer.New(key.Compute([]byte("other")), "10.0.0.1:1")
	rt := &fakeRouting{nearestSet: []peer.Info{other}}
	h := newHandler(rt, newFakeStore())

	resp := h.Handle(context.Background(), wire.Request{Op: wire.OpFindValue, Target: key.Compute([]byte("missing"))})
	require.False(t, resp.Success)
	require.Len(t, resp.Peers, 1)
}

func TestKnownSenderIsFedIntoRoutingTableBeforeDispatch(t *testing.T) {
	rt := &fakeRouting{}
	h := newHandler(rt, newFakeStore())

	sender := peer.New(key.Compute([]byte("sender")), "10.0.0.2:2")
	h.Handle(context.Background(), wire.Request{Op: wire.OpPing, Sender: sender})

	require.Len(t, rt.addedSenders, 1)
	require.True(t, rt.addedSenders[0].Equal(sender))
}

func TestUnidentifiedSenderIsNotFedIntoRoutingTable(t *testing.T) {
	rt := &fakeRouting{}
	h := newHandler(rt, newFakeStore())

	h.Handle(context.Background(), wire.Request{Op: wire.OpPing, Sender: peer.Unidentified("10.0.0.3:3")})

	require.Empty(t, rt.addedSenders)
}
