package session_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/session"
	"github.com/harrowgate/kadnet/internal/wire"
)

type echoHandler struct {
	self peer.Info
}

func (h echoHandler) Handle(ctx context.Context, req wire.Request) wire.Response {
	return wire.Response{Success: true, Sender: h.self, Data: req.Data}
}

func TestSendReceivesMatchingResponse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	selfA := peer.New(key.Compute([]byte("a")), "client:1")
	selfB := peer.New(key.Compute([]byte("b")), "server:1")

	client := session.New(session.Options{Conn: clientConn, Self: selfA, Remote: peer.Unidentified("server:1")})
	_ = session.New(session.Options{Conn: serverConn, Self: selfB, Remote: peer.Unidentified("client:1"), Handler: echoHandler{self: selfB}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Send(ctx, wire.Request{Op: wire.OpPing, Data: []byte("hi")})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, []byte("hi"), resp.Data)
}

func TestIdentificationFiresOnceOnFirstSuccessfulResponse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	selfA := peer.New(key.Compute([]byte("a")), "client:1")
	selfB := peer.New(key.Compute([]byte("b")), "server:1")

	identified := make(chan peer.Info, 4)
	client := session.New(session.Options{
		Conn:   clientConn,
		Self:   selfA,
		Remote: peer.Unidentified("server:1"),
		OnIdentified: func(p peer.Info) {
			identified <- p
		},
	})
	_ = session.New(session.Options{Conn: serverConn, Self: selfB, Remote: peer.Unidentified("client:1"), Handler: echoHandler{self: selfB}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Send(ctx, wire.Request{Op: wire.OpPing})
	require.NoError(t, err)

	select {
	case p := <-identified:
		require.True(t, p.Equal(peer.New(selfB.Key, "server:1")))
	case <-time.After(time.Second):
		t.Fatal("OnIdentified never fired")
	}

	// A second request must not fire OnIdentified again.
	_, err = client.Send(ctx, wire.Request{Op: wire.OpPing})
	require.NoError(t, err)
	select {
	case p := <-identified:
		t.Fatalf("OnIdentified fired a second time with %v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	client := session.New(session.Options{Conn: clientConn, Remote: peer.Unidentified("server:1")})

	closed := make(chan struct{})
	go func() {
		ctx := context.Background()
		_, err := client.Send(ctx, wire.Request{Op: wire.OpPing})
		require.Error(t, err)
		close(closed)
	}()

	serverConn.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("pending Send never failed after close")
	}
}

func TestOnClosedFires(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	closedCh := make(chan error, 1)
	_ = session.New(session.Options{
		Conn:   clientConn,
		Remote: peer.Unidentified("server:1"),
		OnClosed: func(p peer.Info, err error) {
			closedCh <- err
		},
	})

	serverConn.Close()

	select {
	case err := <-closedCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnClosed never fired")
	}
}
