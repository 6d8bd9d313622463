// Package remote implements the node's inbound RPC surface (§4.G): the
// handler every per-peer session dispatches requests to. It has no
// knowledge of sessions or the broker, only of the routing table and
// value store it serves requests against.
package remote

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/wire"
)

// DefaultInboundConcurrency is the inbound handling bound from §5.
const DefaultInboundConcurrency = 10

// Routing is the narrow view of the routing table the handler needs:
// learn a sender and answer nearest-peer queries.
type Routing interface {
	Add(p peer.Info) (added, isNew bool)
	Nearest(target key.Key, n int, onlyClosestBucket bool) []peer.Info
}

// Store is the narrow view of the value store the handler needs.
type Store interface {
	Put(k key.Key, data []byte)
	Get(k key.Key) ([]byte, bool)
}

// Metrics is the narrow observability hook the handler reports through.
type Metrics interface {
	RemoteRequest(op wire.Operation)
}

type noopMetrics struct{}

func (noopMetrics) RemoteRequest(wire.Operation) {}

// Options configures a Handler.
type Options struct {
	Self        peer.Info
	K           int
	Routing     Routing
	Store       Store
	Metrics     Metrics
	Concurrency int64 // defaults to DefaultInboundConcurrency
	Logger      zerolog.Logger
}

// Handler answers PING, STORE, FIND_PEER and FIND_VALUE requests. It
// implements session.Handler.
type Handler struct {
	self    peer.Info
	k       int
	routing Routing
	store   Store
	metrics Metrics
	logger  zerolog.Logger
	sem     *semaphore.Weighted
}

// New constructs a Handler.
func New(opts Options) *Handler {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultInboundConcurrency
	}
	return &Handler{
		self:    opts.Self,
		k:       opts.K,
		routing: opts.Routing,
		store:   opts.Store,
		metrics: metrics,
		logger:  opts.Logger,
		sem:     semaphore.NewWeighted(concurrency),
	}
}

// Handle dispatches req to the operation-specific handler, bounded to
// Options.Concurrency (DefaultInboundConcurrency unless set) simultaneous
// calls across every session on this node. A single weighted semaphore
// acquire/release around the whole call achieves the "10 concurrent inbound handlings" bound from §5
// without needing errgroup's multi-goroutine error aggregation: each
// Handle invocation is already a single synchronous unit of work driven
// by its session's own reader goroutine, so there is exactly one error
// path to track, which a bare semaphore covers.
func (h *Handler) Handle(ctx context.Context, req wire.Request) wire.Response {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return wire.Response{RequestID: req.RequestID, Sender: h.self, Success: false, Err: err.Error()}
	}
	defer h.sem.Release(1)

	if req.Sender.HasKey() && h.routing != nil {
		h.routing.Add(req.Sender)
	}
	h.metrics.RemoteRequest(req.Op)

	var resp wire.Response
	switch req.Op {
	case wire.OpPing:
		resp = h.handlePing()
	case wire.OpStore:
		resp = h.handleStore(req)
	case wire.OpFindPeer:
		resp = h.handleFindPeer(req)
	case wire.OpFindValue:
		resp = h.handleFindValue(req)
	default:
		h.logger.Error().Uint8("op", uint8(req.Op)).Msg("unsupported operation")
		resp = wire.Response{Success: false, Err: "remote: unsupported operation"}
	}
	resp.RequestID = req.RequestID
	resp.Sender = h.self
	return resp
}

// handlePing answers with the node's own nearest peers to its own key,
// folding PING into a self-targeted FIND_PEER as the reference does.
// Success follows the same "non-empty candidate set" rule as FIND_PEER.
func (h *Handler) handlePing() wire.Response {
	peers := h.nearest(h.self.Key)
	return wire.Response{Success: len(peers) > 0, Peers: peers}
}

func (h *Handler) handleStore(req wire.Request) wire.Response {
	if h.store != nil {
		h.store.Put(req.Target, req.Data)
	}
	return wire.Response{Success: true}
}

// handleFindPeer treats success as "a non-empty set of candidates was
// returned"; callers that need existence of a specific key check the
// returned list themselves.
func (h *Handler) handleFindPeer(req wire.Request) wire.Response {
	peers := h.nearest(req.Target)
	return wire.Response{Success: len(peers) > 0, Peers: peers}
}

func (h *Handler) handleFindValue(req wire.Request) wire.Response {
	if h.store != nil {
		if data, ok := h.store.Get(req.Target); ok {
			return wire.Response{Success: true, Data: data}
		}
	}
	return wire.Response{Success: false, Peers: h.nearest(req.Target)}
}

func (h *Handler) nearest(target key.Key) []peer.Info {
	if h.routing == nil {
		return nil
	}
	return h.routing.Nearest(target, h.k, false)
}

