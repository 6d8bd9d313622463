// Package nodectx holds the per-node rendezvous points named in §6: the
// shared channels, root logger and metrics registry every component
// reaches through, as fields of one struct rather than package-level
// globals. This is the resolution of the "global channel registry"
// design note — a real Go repo passes this context by value/pointer into
// each component's constructor instead of reaching into shared globals.
package nodectx

import (
	"github.com/rs/zerolog"

	"github.com/harrowgate/kadnet/internal/config"
	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/metrics"
)

// PeerRequest is the console's request shape (§6): the operator console
// never touches DHT state directly, only submits requests here and reads
// back a PeerResponse.
type PeerRequest struct {
	Op    PeerOp
	Key   key.Key
	Data  []byte
	Reply chan PeerResponse
}

// PeerOp identifies a console-facing operation.
type PeerOp int

const (
	OpAdd PeerOp = iota
	OpFind
	OpStats
	OpRefresh
)

// PeerResponse answers a PeerRequest.
type PeerResponse struct {
	Data         []byte
	SuccessCount int
	Err          error
}

// Context bundles everything a node's components are constructed from:
// identity, configuration, the root logger, the metrics registry and the
// console's request channel. Built once by the node
// supervisor (§4.J) and threaded into every component's Options.
type Context struct {
	Owner   key.Key
	Config  config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Registry

	// Requests is the console's inbound command channel (§6's
	// PeerRequest/PeerResponse contract).
	Requests chan PeerRequest
}

// New builds a Context with a fresh request channel and a logger
// decorated with the owner's key prefix, ready for every component
// logger to derive from via Component.
func New(owner key.Key, cfg config.Config, root zerolog.Logger, reg *metrics.Registry) *Context {
	return &Context{
		Owner:    owner,
		Config:   cfg,
		Logger:   root.With().Str("node", owner.String()[:12]).Logger(),
		Metrics:  reg,
		Requests: make(chan PeerRequest, cfg.ReqBuffer),
	}
}

// Component returns a logger tagged with name, the §4.N convention of one
// logger per component (A-P) derived from the node's root logger.
func (c *Context) Component(name string) zerolog.Logger {
	return c.Logger.With().Str("component", name).Logger()
}
