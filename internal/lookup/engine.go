// Package lookup implements the iterative closest-nodes search (§4.H):
// the α/k-parallel engine shared by the PUT, GET and REFRESH drivers.
package lookup

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/peer"
	"github.com/harrowgate/kadnet/internal/wire"
)

// DefaultAlpha is the per-round outbound parallelism from §6.
const DefaultAlpha = 2

// Sender is the narrow view of the connection broker the engine drives.
// Its signature matches internal/broker.Broker.Send exactly.
type Sender interface {
	Send(ctx context.Context, target key.Key, endpoint string, req wire.Request) (wire.Response, error)
}

// Seed is the narrow view of the routing table the engine seeds each
// search from.
type Seed interface {
	Nearest(target key.Key, n int, onlyClosestBucket bool) []peer.Info
}

// Metrics is the narrow observability hook the engine reports through.
type Metrics interface {
	LookupRound(op wire.Operation)
	LookupVisited(op wire.Operation, n int)
	LookupSuccesses(op wire.Operation, n int)
}

type noopMetrics struct{}

func (noopMetrics) LookupRound(wire.Operation)          {}
func (noopMetrics) LookupVisited(wire.Operation, int)   {}
func (noopMetrics) LookupSuccesses(wire.Operation, int) {}

// Options configures an Engine.
type Options struct {
	Self    peer.Info
	Sender  Sender
	Seed    Seed
	Alpha   int // defaults to DefaultAlpha
	Metrics Metrics
	Logger  zerolog.Logger
}

// Engine runs visit_closest rounds against the broker. It holds no
// per-lookup state between calls: each Run call owns its own
// candidates/used/successes working set behind a local mutex, matching
// §5's "Shared state policy".
type Engine struct {
	self    peer.Info
	sender  Sender
	seed    Seed
	alpha   int
	metrics Metrics
	logger  zerolog.Logger
}

// New constructs an Engine.
func New(opts Options) *Engine {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	alpha := opts.Alpha
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	return &Engine{
		self:    opts.Self,
		sender:  opts.Sender,
		seed:    opts.Seed,
		alpha:   alpha,
		metrics: metrics,
		logger:  opts.Logger,
	}
}

// Result summarizes one visit_closest run.
type Result struct {
	Successes []wire.Response
	Visited   int
	Rounds    int
}

// Run drives the iterative search for target: seed from the routing
// table's k nearest, fan out α requests per round built from template
// (RequestID and Sender are overwritten per outbound call), stopping once
// needSuccesses replies succeed, no new candidates were learned in a
// round, or the candidate set is exhausted. forFindValue enables the
// non-regression filter and closest_tried tracking that only applies to
// FIND_VALUE lookups (§4.H step 1).
func (e *Engine) Run(ctx context.Context, target key.Key, k, needSuccesses int, template wire.Request, forFindValue bool) Result {
	candidates := append([]peer.Info(nil), e.seed.Nearest(target, k, false)...)
	used := make(map[key.Key]bool)
	var successes []wire.Response
	var newCandidates []peer.Info
	var closestTried *key.Distance
	visited := 0
	rounds := 0

	var mu sync.Mutex

	for {
		learned := mergeCandidates(&candidates, newCandidates, used, target, closestTried, forFindValue)
		newCandidates = nil

		if len(successes) >= needSuccesses {
			break
		}
		if rounds > 0 && learned == 0 {
			break
		}

		sortByDistance(candidates, target)
		toQuery := selectUnused(candidates, used, e.alpha)
		if len(toQuery) == 0 {
			break
		}

		rounds++
		e.metrics.LookupRound(template.Op)
		e.logger.Debug().Int("round", rounds).Int("candidates", len(candidates)).Msg("lookup round")

		roundCtx, cancelRound := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(roundCtx)
		for _, p := range toQuery {
			p := p
			used[p.Key] = true
			g.Go(func() error {
				req := template
				req.Target = target
				resp, err := e.sender.Send(gctx, p.Key, p.Address, req)

				mu.Lock()
				defer mu.Unlock()
				visited++
				if err != nil {
					e.logger.Debug().Str("peer", p.Address).Err(err).Msg("lookup query failed")
					return nil
				}
				if resp.Success {
					successes = append(successes, resp)
					if len(successes) >= needSuccesses {
						cancelRound()
					}
				}
				if forFindValue {
					d := key.XOR(target, p.Key)
					if closestTried == nil || d.Less(*closestTried) {
						closestTried = &d
					}
				}
				newCandidates = append(newCandidates, resp.Peers...)
				return nil
			})
		}
		_ = g.Wait()
		cancelRound()
	}

	e.metrics.LookupVisited(template.Op, visited)
	e.metrics.LookupSuccesses(template.Op, len(successes))

	return Result{Successes: successes, Visited: visited, Rounds: rounds}
}

// mergeCandidates folds fresh into candidates, skipping already-used peers
// and, for FIND_VALUE, peers strictly farther from target than
// closestTried (non-regression). Returns how many were actually added.
func mergeCandidates(candidates *[]peer.Info, fresh []peer.Info, used map[key.Key]bool, target key.Key, closestTried *key.Distance, forFindValue bool) int {
	existing := make(map[key.Key]bool, len(*candidates))
	for _, c := range *candidates {
		existing[c.Key] = true
	}
	added := 0
	for _, c := range fresh {
		if !c.HasKey() || used[c.Key] || existing[c.Key] {
			continue
		}
		if forFindValue && closestTried != nil {
			d := key.XOR(target, c.Key)
			if closestTried.Less(d) {
				continue
			}
		}
		*candidates = append(*candidates, c)
		existing[c.Key] = true
		added++
	}
	return added
}

func sortByDistance(candidates []peer.Info, target key.Key) {
	sort.Slice(candidates, func(i, j int) bool {
		return key.XOR(target, candidates[i].Key).Less(key.XOR(target, candidates[j].Key))
	})
}

func selectUnused(candidates []peer.Info, used map[key.Key]bool, limit int) []peer.Info {
	out := make([]peer.Info, 0, limit)
	for _, c := range candidates {
		if used[c.Key] {
			continue
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out
}
