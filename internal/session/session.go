// Package session implements a single duplex RPC stream to one remote peer:
// request-ID multiplexing for outbound calls, dispatch of inbound calls to
// a local handler, and identification of the remote on its first reply.
// This is the per-connection half of §4.E; internal/broker owns the pool.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/wire"
)

// DefaultOutboundParallelism is P from §5: up to this many outbound
// requests may be in flight on a single session at once.
const DefaultOutboundParallelism = 10

// Handler answers an inbound request. Implemented by the node's remote
// handler (component G); kept as a narrow interface so session never
// imports routing/store/broker directly (§5, "Shared state policy").
type Handler interface {
	Handle(ctx context.Context, req wire.Request) wire.Response
}

// Metrics is the narrow observability hook a Session reports through.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	SessionRequestFailed()
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()        {}
func (noopMetrics) SessionClosed()        {}
func (noopMetrics) SessionRequestFailed() {}

// Options configures a Session.
type Options struct {
	// Conn is the already-established TCP connection. For an outbound
	// session this is the result of net.Dial; for an inbound session it
	// is whatever the listener accepted.
	Conn net.Conn
	// Remote is the best information known about the peer on the other
	// end at construction time. For an accepted connection this carries
	// no key yet (peer.Unidentified).
	Remote peer.Info
	// Self identifies this node, sent as the Sender on every outbound
	// request and every response.
	Self peer.Info

	Handler     Handler
	Metrics     Metrics
	Parallelism int64 // defaults to DefaultOutboundParallelism

	Logger zerolog.Logger

	// OnIdentified fires exactly once, the first time the remote's Key
	// becomes known, with the peer's up-to-date Info. The broker uses
	// this to register (Key, address) and feed the routing table.
	OnIdentified func(peer.Info)
	// OnPeersLearned fires whenever an inbound response carries a
	// non-empty peer list, so the routing table can absorb them.
	OnPeersLearned func([]peer.Info)
	// OnClosed fires once the session's read loop exits, for any
	// reason, so the broker can deregister and the routing table can
	// drop the peer.
	OnClosed func(peer.Info, error)
}

type callResult struct {
	resp wire.Response
	err  error
}

type pendingCall struct {
	replyCh chan callResult
}

// Session multiplexes one TCP connection carrying the wire protocol.
type Session struct {
	id      string // correlation ID for log lines, assigned at construction
	conn    net.Conn
	self    peer.Info
	handler Handler
	metrics Metrics
	logger  zerolog.Logger

	onIdentified   func(peer.Info)
	onPeersLearned func([]peer.Info)
	onClosed       func(peer.Info, error)

	sem    *semaphore.Weighted
	nextID atomic.Uint64

	mu         sync.Mutex
	remote     peer.Info
	identified bool
	pending    map[uint64]*pendingCall
	closed     bool
	closeErr   error

	writeMu sync.Mutex
}

// New wraps conn in a Session and starts its read loop in a new goroutine.
// The caller retains ownership of conn's lifetime only indirectly: Close
// (or any transport error) closes it.
func New(opts Options) *Session {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultOutboundParallelism
	}
	s := &Session{
		id:             xid.New().String(),
		conn:           opts.Conn,
		self:           opts.Self,
		handler:        opts.Handler,
		metrics:        metrics,
		logger:         opts.Logger,
		onIdentified:   opts.OnIdentified,
		onPeersLearned: opts.OnPeersLearned,
		onClosed:       opts.OnClosed,
		sem:            semaphore.NewWeighted(parallelism),
		remote:         opts.Remote,
		identified:     opts.Remote.HasKey(),
		pending:        make(map[uint64]*pendingCall),
	}
	metrics.SessionOpened()
	go s.readLoop()
	return s
}

// Remote returns the best currently-known Info for the far end.
func (s *Session) Remote() peer.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Send issues req to the remote peer and blocks until a matching response
// arrives, ctx is done, or the session fails. The RequestID is assigned
// here, overwriting whatever the caller set.
func (s *Session) Send(ctx context.Context, req wire.Request) (wire.Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return wire.Response{}, err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = errors.New("session: closed")
		}
		return wire.Response{}, err
	}
	id := s.nextID.Inc()
	call := &pendingCall{replyCh: make(chan callResult, 1)}
	s.pending[id] = call
	s.mu.Unlock()

	req.RequestID = id
	req.Sender = s.self

	if err := s.writeRequest(req); err != nil {
		s.removePending(id)
		return wire.Response{}, err
	}

	select {
	case result := <-call.replyCh:
		return result.resp, result.err
	case <-ctx.Done():
		s.removePending(id)
		return wire.Response{}, ctx.Err()
	}
}

func (s *Session) removePending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) writeRequest(req wire.Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteRequest(s.conn, req)
}

func (s *Session) writeResponse(resp wire.Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteResponse(s.conn, resp)
}

// Close terminates the underlying connection and fails any outstanding
// outbound calls. Safe to call more than once.
func (s *Session) Close(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = cause
	pending := s.pending
	s.pending = nil
	remote := s.remote
	s.mu.Unlock()

	_ = s.conn.Close()
	failure := cause
	if failure == nil {
		failure = errors.New("session: closed")
	} else {
		s.logger.Warn().Str("session", s.id).Err(failure).Msg("session closed")
	}
	for _, call := range pending {
		call.replyCh <- callResult{err: failure}
	}
	s.metrics.SessionClosed()
	if s.onClosed != nil {
		s.onClosed(remote, cause)
	}
}

func (s *Session) readLoop() {
	for {
		req, resp, err := wire.ReadEnvelope(s.conn)
		if err != nil {
			s.Close(errors.Wrap(err, "session: read"))
			return
		}
		switch {
		case req != nil:
			s.handleInbound(*req)
		case resp != nil:
			s.handleInboundResponse(*resp)
		}
	}
}

func (s *Session) handleInbound(req wire.Request) {
	s.learnRemote(req.Sender)

	ctx := context.Background()
	var reply wire.Response
	if s.handler != nil {
		reply = s.handler.Handle(ctx, req)
	} else {
		reply = wire.Response{Success: false, Err: "session: no handler installed"}
	}
	reply.RequestID = req.RequestID
	reply.Sender = s.self

	if err := s.writeResponse(reply); err != nil {
		s.Close(errors.Wrap(err, "session: write response"))
	}
}

func (s *Session) handleInboundResponse(resp wire.Response) {
	s.mu.Lock()
	call := s.pending[resp.RequestID]
	if call != nil {
		delete(s.pending, resp.RequestID)
	}
	s.mu.Unlock()

	if call == nil {
		return // late or duplicate reply; nothing waits for it
	}

	// Identification runs off of whoever answered, independent of whether
	// the query itself logically succeeded (§7: a logical failure such as
	// an empty FIND_PEER candidate set is not an error and must not block
	// learning the responder's identity).
	s.learnRemote(resp.Sender)
	if !resp.Success {
		s.metrics.SessionRequestFailed()
	}
	if len(resp.Peers) > 0 && s.onPeersLearned != nil {
		s.onPeersLearned(resp.Peers)
	}

	call.replyCh <- callResult{resp: resp}
}

// learnRemote records sender as the remote's identity the first time a Key
// is observed, and fires OnIdentified exactly once.
func (s *Session) learnRemote(sender peer.Info) {
	if !sender.HasKey() {
		return
	}
	s.mu.Lock()
	alreadyIdentified := s.identified
	sender.LastSeen = time.Now()
	if sender.Address == "" {
		sender.Address = s.remote.Address
	}
	s.remote = sender
	s.identified = true
	s.mu.Unlock()

	if !alreadyIdentified && s.onIdentified != nil {
		s.onIdentified(sender)
	}
}
