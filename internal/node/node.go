// Package node implements the node supervisor (§4.J): it constructs and
// wires components C through I, owns the TCP listener, and is the only
// part of the system that knows how to start or stop everything else.
package node

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/harrowgate/kadnet/internal/broker"
	"github.com/harrowgate/kadnet/internal/discovery"
	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/lookup"
	"github.com/harrowgate/kadnet/internal/nodectx"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/remote"
	"github.com/harrowgate/kadnet/internal/routing"
	"github.com/harrowgate/kadnet/internal/store"
	"github.com/harrowgate/kadnet/internal/wire"
)

// Node owns one DHT participant: its routing table, value store, remote
// handler, connection broker, lookup engine and discovery driver, plus
// the TCP listener accepting inbound sessions.
type Node struct {
	ctx  *nodectx.Context
	self peer.Info

	routing   *routing.Table
	store     *store.Store
	handler   *remote.Handler
	broker    *broker.Broker
	drivers   *lookup.Drivers
	discovery *discovery.Discovery

	listener net.Listener
	stop     chan struct{}
}

// New wires every component from nctx's configuration. The node is not
// listening or processing requests yet; call Start for that.
func New(nctx *nodectx.Context) *Node {
	cfg := nctx.Config
	self := peer.New(nctx.Owner, cfg.ListenAddr)

	rt := routing.New(nctx.Owner, cfg.K)
	rt.SetMetrics(nctx.Metrics)

	st := store.New(store.Options{
		K:         cfg.K,
		CacheSize: cfg.StoreSize,
		MaxAge:    cfg.MaxAge,
		Routing:   rt,
		Owner:     nctx.Owner,
		Metrics:   nctx.Metrics,
	})

	handler := remote.New(remote.Options{
		Self:        self,
		K:           cfg.K,
		Routing:     rt,
		Store:       st,
		Metrics:     nctx.Metrics,
		Concurrency: int64(cfg.HandlerConcurrency),
		Logger:      nctx.Component("remote"),
	})

	brk := broker.New(broker.Options{
		Self:        self,
		Handler:     handler,
		Routing:     rt,
		Metrics:     nctx.Metrics,
		MaxConns:    cfg.MaxConnections,
		DialTimeout: cfg.DialTimeout,
		RPCTimeout:  cfg.RPCTimeout,
		Logger:      nctx.Component("broker"),
	})

	engine := lookup.New(lookup.Options{
		Self:    self,
		Sender:  brk,
		Seed:    rt,
		Alpha:   cfg.Alpha,
		Metrics: nctx.Metrics,
		Logger:  nctx.Component("lookup"),
	})
	drivers := &lookup.Drivers{Engine: engine, Store: st, K: cfg.K}

	disc := discovery.New(discovery.Options{
		Owner:               nctx.Owner,
		Sender:              brk,
		Refresher:           refresherAdapter{drivers},
		NewPeers:            rt.Added(),
		SelfRefreshInterval: cfg.RefreshInterval,
		Logger:              nctx.Component("discovery"),
	})

	return &Node{
		ctx:       nctx,
		self:      self,
		routing:   rt,
		store:     st,
		handler:   handler,
		broker:    brk,
		drivers:   drivers,
		discovery: disc,
		stop:      make(chan struct{}),
	}
}

// refresherAdapter satisfies discovery.Refresher by converting
// lookup.Drivers' RefreshResult into discovery's own identically-shaped
// type, since discovery deliberately avoids importing lookup.
type refresherAdapter struct {
	drivers *lookup.Drivers
}

func (a refresherAdapter) Refresh(ctx context.Context, target *key.Key, owner key.Key) discovery.RefreshResult {
	result := a.drivers.Refresh(ctx, target, owner)
	return discovery.RefreshResult{Target: result.Target, Visited: result.Visited}
}

// Self returns the node's own identity.
func (n *Node) Self() peer.Info { return n.self }

// Start binds the listener, then launches the accept loop, the request
// dispatcher, the store's expiry sweep and the discovery drivers, each in
// its own goroutine. If seeds is non-empty, bootstrap runs in the
// background too: a node with no reachable seeds still starts.
func (n *Node) Start(ctx context.Context, seeds []string) error {
	ln, err := net.Listen("tcp", n.self.Address)
	if err != nil {
		return errors.Wrapf(err, "node: listen on %s", n.self.Address)
	}
	n.listener = ln

	go n.acceptLoop(ctx)
	go n.serveRequests(ctx)
	go store.RunExpiryLoop(n.store, n.ctx.Config.MaxAge, n.stop)
	go n.discovery.RunSelfRefresh(ctx, n.stop)
	go n.discovery.RunNewPeerRefresh(ctx, n.stop)

	if len(seeds) > 0 {
		go func() {
			if err := n.discovery.Bootstrap(ctx, seeds, n.self.Address); err != nil {
				logger := n.ctx.Component("node")
				logger.Warn().Err(err).Msg("bootstrap finished with failures")
			}
		}()
	}

	logger := n.ctx.Component("node")
	logger.Info().Str("addr", n.self.Address).Msg("node started")
	return nil
}

// Bootstrap dials seeds and joins the network, the same step Start takes
// automatically when given seeds up front. Exposed separately so an
// operator console can connect an already-running node on demand.
func (n *Node) Bootstrap(ctx context.Context, seeds []string) error {
	return n.discovery.Bootstrap(ctx, seeds, n.self.Address)
}

// Stop closes the listener, which ends the accept loop, and retires the
// expiry sweep and both discovery drivers. The request dispatcher keeps
// running until the context given to Start is cancelled. Sessions already
// open are left to the broker's own deregistration path as peers
// disconnect; Stop does not forcibly tear down the session pool.
func (n *Node) Stop() {
	if n.listener != nil {
		_ = n.listener.Close()
	}
	close(n.stop)
	logger := n.ctx.Component("node")
	logger.Info().Msg("node stopped")
}

func (n *Node) acceptLoop(ctx context.Context) {
	logger := n.ctx.Component("node")
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			logger.Warn().Err(err).Msg("accept failed")
			return
		}
		remoteAddr := conn.RemoteAddr().String()
		sess := n.broker.AdoptInbound(conn, remoteAddr)

		go func() {
			if _, err := sess.Send(ctx, wire.Request{Op: wire.OpPing}); err != nil {
				logger.Debug().Str("remote", remoteAddr).Err(err).Msg("initial ping failed")
			}
		}()
	}
}

// serveRequests drains the node-scoped context's console request channel
// (§6's PeerRequest/PeerResponse contract) until ctx is cancelled.
func (n *Node) serveRequests(ctx context.Context) {
	for {
		select {
		case req, ok := <-n.ctx.Requests:
			if !ok {
				return
			}
			n.handle(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) handle(ctx context.Context, req nodectx.PeerRequest) {
	switch req.Op {
	case nodectx.OpAdd:
		result := n.drivers.Put(ctx, req.Data)
		req.Reply <- nodectx.PeerResponse{Data: result.Key.Bytes(), SuccessCount: result.Successful}

	case nodectx.OpFind:
		result := n.drivers.Get(ctx, req.Key)
		if !result.Found {
			req.Reply <- nodectx.PeerResponse{Err: errors.New("node: key not found")}
			return
		}
		req.Reply <- nodectx.PeerResponse{Data: result.Data, SuccessCount: 1}

	case nodectx.OpStats:
		storeStats := n.store.Stats()
		brokerStats := n.broker.Stats()
		summary := fmt.Sprintf(
			"peers=%d cache=%d long_term=%d sessions=%d",
			n.routing.Count(), storeStats.CacheCount, storeStats.LongTermCount, brokerStats.ActiveSessions,
		)
		req.Reply <- nodectx.PeerResponse{Data: []byte(summary), SuccessCount: n.routing.Count()}

	case nodectx.OpRefresh:
		var target *key.Key
		if !req.Key.IsZero() {
			t := req.Key
			target = &t
		}
		result := n.drivers.Refresh(ctx, target, n.ctx.Owner)
		req.Reply <- nodectx.PeerResponse{SuccessCount: result.Visited}

	default:
		req.Reply <- nodectx.PeerResponse{Err: errors.New("node: unknown request op")}
	}
}
