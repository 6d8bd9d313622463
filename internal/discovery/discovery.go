// Package discovery implements bootstrap contact and the periodic/event-
// driven refresh policy of §4.I: dialing seed peers on startup, a 10-
// minute self-refresh ticker, and a driver that issues a focused
// REFRESH(new_peer.key) whenever the routing table reports a newly added
// peer.
package discovery

import (
	"context"
	"time"

	hcmerr "github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/wire"
)

// DefaultSelfRefreshInterval is the periodic self-lookup cadence from §6.
const DefaultSelfRefreshInterval = 10 * time.Minute

// Sender is the narrow view of the connection broker used for bootstrap,
// which needs the raw transport error a seed dial produced rather than
// the engine's swallow-and-log treatment of per-peer failures.
type Sender interface {
	Send(ctx context.Context, target key.Key, endpoint string, req wire.Request) (wire.Response, error)
}

// Refresher is the narrow view of internal/lookup.Drivers this package
// drives for the periodic and event-driven refresh paths.
type Refresher interface {
	Refresh(ctx context.Context, target *key.Key, owner key.Key) RefreshResult
}

// RefreshResult mirrors lookup.RefreshResult's shape without importing
// the lookup package, keeping discovery's dependency surface narrow.
type RefreshResult struct {
	Target  key.Key
	Visited int
}

// Options configures Discovery.
type Options struct {
	Owner               key.Key
	Sender              Sender
	Refresher           Refresher
	NewPeers            <-chan key.Key // routing table's Added() channel
	SelfRefreshInterval time.Duration
	Logger              zerolog.Logger
}

// Discovery owns bootstrap and the two refresh drivers.
type Discovery struct {
	owner     key.Key
	sender    Sender
	refresher Refresher
	newPeers  <-chan key.Key
	interval  time.Duration
	logger    zerolog.Logger
}

// New constructs a Discovery.
func New(opts Options) *Discovery {
	interval := opts.SelfRefreshInterval
	if interval <= 0 {
		interval = DefaultSelfRefreshInterval
	}
	return &Discovery{
		owner:     opts.Owner,
		sender:    opts.Sender,
		refresher: opts.Refresher,
		newPeers:  opts.NewPeers,
		interval:  interval,
		logger:    opts.Logger,
	}
}

// Bootstrap issues FIND_PEER(owner) to every seed endpoint except the
// node's own address. Individual dial/transport failures are aggregated
// with go-multierror and logged, never fatal: a node with no reachable
// seeds still starts, just alone.
func (d *Discovery) Bootstrap(ctx context.Context, seeds []string, ownAddress string) error {
	var result *hcmerr.Error
	for _, addr := range seeds {
		if addr == ownAddress {
			continue
		}
		if _, err := d.sender.Send(ctx, key.Zero, addr, wire.Request{Op: wire.OpFindPeer, Target: d.owner}); err != nil {
			result = hcmerr.Append(result, err)
		}
	}
	if result != nil {
		d.logger.Warn().Err(result).Msg("bootstrap encountered failures")
		return result
	}
	return nil
}

// RunSelfRefresh issues REFRESH(owner.key) every interval until stop is
// closed. Intended to run in its own goroutine.
func (d *Discovery) RunSelfRefresh(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.refresher.Refresh(ctx, nil, d.owner)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunNewPeerRefresh drains newPeers and issues a focused
// REFRESH(new_peer.key) for each, realizing §4.C's "separate internal
// driver issues REFRESH(new_peer.key)" without the routing table holding
// a pointer into the engine. Intended to run in its own goroutine.
func (d *Discovery) RunNewPeerRefresh(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case k, ok := <-d.newPeers:
			if !ok {
				return
			}
			d.refresher.Refresh(ctx, &k, d.owner)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
