// Package broker implements the connection broker (§4.F): a pool of
// per-peer sessions, bounded by recency via internal/mru, with a
// self-dispatch short-circuit so a node never opens a TCP connection to
// itself.
package broker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/mru"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/session"
	"github.com/harrowgate/kadnet/internal/wire"
)

// DefaultMaxConnections is max_connections from §6.
const DefaultMaxConnections = 50

// DefaultDialTimeout is dial_timeout from §6.
const DefaultDialTimeout = 5 * time.Second

// DefaultRPCTimeout is rpc_timeout from §6: the per-RPC round-trip bound.
const DefaultRPCTimeout = 3 * time.Second

// RoutingSink is the narrow view of the routing table the broker updates
// on registration/deregistration.
type RoutingSink interface {
	Add(p peer.Info) (added, isNew bool)
	Remove(k key.Key) bool
}

// Metrics is the narrow observability hook the broker reports through.
type Metrics interface {
	BrokerSessionCount(n int)
	BrokerEviction()
	BrokerSelfShortCircuit()
	BrokerDialFailure()
}

type noopMetrics struct{}

func (noopMetrics) BrokerSessionCount(int)  {}
func (noopMetrics) BrokerEviction()         {}
func (noopMetrics) BrokerSelfShortCircuit() {}
func (noopMetrics) BrokerDialFailure()      {}

// Options configures a Broker.
type Options struct {
	Self        peer.Info
	Handler     session.Handler // the local remote handler, component G
	Routing     RoutingSink
	Metrics     Metrics
	MaxConns    int
	DialTimeout time.Duration
	RPCTimeout  time.Duration
	Logger      zerolog.Logger
}

// Broker owns the pool of live per-peer sessions.
type Broker struct {
	self        peer.Info
	handler     session.Handler
	routing     RoutingSink
	metrics     Metrics
	dialTimeout time.Duration
	rpcTimeout  time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	byAddr  map[string]*session.Session
	byKey   map[key.Key]string
	recency *mru.Cache[string, key.Key]
}

// New constructs a Broker. Sessions are created lazily on first Send.
func New(opts Options) *Broker {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	rpcTimeout := opts.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	return &Broker{
		self:        opts.Self,
		handler:     opts.Handler,
		routing:     opts.Routing,
		metrics:     metrics,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
		logger:      opts.Logger,
		byAddr:      make(map[string]*session.Session),
		byKey:       make(map[key.Key]string),
		recency:     mru.New[string, key.Key](maxConns, 0),
	}
}

// Send routes req to the peer at endpoint. If endpoint is the broker's own
// address, or target carries the broker's own key, the request is served
// locally by the handler without touching the network (§4.F's
// self-dispatch short-circuit, exercised by S6).
func (b *Broker) Send(ctx context.Context, target key.Key, endpoint string, req wire.Request) (wire.Response, error) {
	if endpoint == b.self.Address || (b.self.HasKey() && target == b.self.Key) {
		b.metrics.BrokerSelfShortCircuit()
		req.Sender = b.self
		if b.handler == nil {
			return wire.Response{}, errors.New("broker: no local handler installed for self-dispatch")
		}
		return b.handler.Handle(ctx, req), nil
	}

	s, err := b.sessionFor(ctx, endpoint)
	if err != nil {
		return wire.Response{}, err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, b.rpcTimeout)
	defer cancel()
	return s.Send(rpcCtx, req)
}

// sessionFor returns the live session for endpoint, dialing a new one if
// none exists, and records the access in the recency tracker, evicting the
// least-recently-touched session if this pushes the pool over capacity.
func (b *Broker) sessionFor(ctx context.Context, endpoint string) (*session.Session, error) {
	b.mu.Lock()
	if s, ok := b.byAddr[endpoint]; ok {
		evictedAddr, didEvict := b.recency.Add(endpoint, key.Zero)
		b.mu.Unlock()
		if didEvict {
			b.retire(evictedAddr)
		}
		return s, nil
	}
	b.mu.Unlock()

	conn, err := net.DialTimeout("tcp", endpoint, b.dialTimeout)
	if err != nil {
		b.metrics.BrokerDialFailure()
		b.logger.Warn().Str("endpoint", endpoint).Err(err).Msg("dial failed")
		return nil, errors.Wrapf(err, "broker: dial %s", endpoint)
	}

	s := session.New(session.Options{
		Conn:           conn,
		Self:           b.self,
		Remote:         peer.Unidentified(endpoint),
		Handler:        b.handler,
		OnIdentified:   func(p peer.Info) { b.Register(p, endpoint) },
		OnPeersLearned: b.learnPeers,
		OnClosed:       func(p peer.Info, _ error) { b.Deregister(endpoint) },
	})

	b.mu.Lock()
	b.byAddr[endpoint] = s
	evictedAddr, didEvict := b.recency.Add(endpoint, key.Zero)
	b.metrics.BrokerSessionCount(len(b.byAddr))
	b.mu.Unlock()
	if didEvict {
		b.retire(evictedAddr)
	}

	return s, nil
}

// retire closes and deregisters the session at addr, pushed out of the
// pool by the MRU eviction policy (§4.F, "if this pushes an address out,
// retire that session").
func (b *Broker) retire(addr string) {
	b.metrics.BrokerEviction()
	b.Deregister(addr)
}

// AdoptInbound wraps an accepted connection in a Session and tracks it in
// the pool under remoteAddr, wiring the same identification/closure hooks
// as an outbound session. The node supervisor calls this for every
// accepted socket (§4.J); the peer is not routable until it identifies
// itself, which fires OnIdentified through the normal path.
func (b *Broker) AdoptInbound(conn net.Conn, remoteAddr string) *session.Session {
	s := session.New(session.Options{
		Conn:           conn,
		Self:           b.self,
		Remote:         peer.Unidentified(remoteAddr),
		Handler:        b.handler,
		OnIdentified:   func(p peer.Info) { b.Register(p, remoteAddr) },
		OnPeersLearned: b.learnPeers,
		OnClosed:       func(p peer.Info, _ error) { b.Deregister(remoteAddr) },
	})

	b.mu.Lock()
	b.byAddr[remoteAddr] = s
	evictedAddr, didEvict := b.recency.Add(remoteAddr, key.Zero)
	b.metrics.BrokerSessionCount(len(b.byAddr))
	b.mu.Unlock()
	if didEvict {
		b.retire(evictedAddr)
	}

	return s
}

// Register installs the (Key, endpoint) mapping learned when a session
// identifies its remote peer, and offers p to the routing table. If a
// different session already claims p.Key, the newer endpoint wins, per
// §4.F's "install/overwrite the session mapping".
func (b *Broker) Register(p peer.Info, endpoint string) {
	b.mu.Lock()
	b.byKey[p.Key] = endpoint
	b.mu.Unlock()

	if b.routing != nil {
		b.routing.Add(p)
	}
}

// learnPeers offers every peer carried in a response's peer list to the
// routing table (§4.E).
func (b *Broker) learnPeers(peers []peer.Info) {
	if b.routing == nil {
		return
	}
	for _, p := range peers {
		b.routing.Add(p)
	}
}

// Deregister removes endpoint (and its key mapping, if any) from the pool
// and drops the corresponding peer from the routing table.
func (b *Broker) Deregister(endpoint string) {
	b.mu.Lock()
	s, ok := b.byAddr[endpoint]
	delete(b.byAddr, endpoint)
	var removedKey key.Key
	var hadKey bool
	for k, addr := range b.byKey {
		if addr == endpoint {
			removedKey, hadKey = k, true
			delete(b.byKey, k)
			break
		}
	}
	b.recency.Remove(endpoint)
	b.metrics.BrokerSessionCount(len(b.byAddr))
	b.mu.Unlock()

	if ok && s != nil {
		s.Close(nil)
	}
	if hadKey && b.routing != nil {
		b.routing.Remove(removedKey)
	}
}

// Stats summarizes the broker's current pool.
type Stats struct {
	ActiveSessions int
}

// Stats returns a snapshot of the broker's pool size.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{ActiveSessions: len(b.byAddr)}
}
