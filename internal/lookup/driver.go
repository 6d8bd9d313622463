package lookup

import (
	"context"

	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/wire"
)

// LocalStore is the narrow view of the value store the drivers consult
// before/after going to the network.
type LocalStore interface {
	Get(k key.Key) ([]byte, bool)
	Put(k key.Key, data []byte)
}

// Drivers wraps an Engine with the PUT/GET/REFRESH operations described
// in §4.H. K is the routing table's bucket size, used as both the seed
// width and PUT's required STORE-success count.
type Drivers struct {
	Engine *Engine
	Store  LocalStore
	K      int
}

// PutResult reports how a PUT lookup went.
type PutResult struct {
	Key        key.Key
	Successful int
	Visited    int
}

// Put computes key = SHA-256(data), keeps a copy in the local store, and
// drives the engine with need_successes = K and a STORE request template,
// reporting how many remote STOREs actually succeeded.
func (d *Drivers) Put(ctx context.Context, data []byte) PutResult {
	k := key.Compute(data)
	d.Store.Put(k, data)
	result := d.Engine.Run(ctx, k, d.K, d.K, wire.Request{Op: wire.OpStore, Data: data}, false)
	return PutResult{Key: k, Successful: len(result.Successes), Visited: result.Visited}
}

// GetResult reports how a GET lookup went.
type GetResult struct {
	Data    []byte
	Found   bool
	Visited int
}

// Get consults the local store first; on a miss it drives the engine with
// need_successes = 1 and a FIND_VALUE request template, re-inserting the
// first data-bearing reply into the local store before returning it.
func (d *Drivers) Get(ctx context.Context, target key.Key) GetResult {
	if data, ok := d.Store.Get(target); ok {
		return GetResult{Data: data, Found: true}
	}

	result := d.Engine.Run(ctx, target, d.K, 1, wire.Request{Op: wire.OpFindValue}, true)
	for _, resp := range result.Successes {
		if len(resp.Data) == 0 {
			continue
		}
		d.Store.Put(target, resp.Data)
		return GetResult{Data: resp.Data, Found: true, Visited: result.Visited}
	}
	return GetResult{Visited: result.Visited}
}

// RefreshResult reports how a REFRESH lookup went.
type RefreshResult struct {
	Target  key.Key
	Visited int
}

// Refresh drives the engine with a FIND_PEER request template against
// target, or the owner's own key if target is nil. A given target uses
// k=1 (a focused single-bucket refresh); the owner's own key uses the
// full k (a routing-table-wide refresh). Side effect: every FIND_PEER
// response's peer list flows back through the broker/session wiring into
// the routing table, which is how this call "populates the routing
// table" without lookup holding a pointer into it.
func (d *Drivers) Refresh(ctx context.Context, target *key.Key, owner key.Key) RefreshResult {
	k := d.K
	t := owner
	if target != nil {
		k = 1
		t = *target
	}
	result := d.Engine.Run(ctx, t, k, 1, wire.Request{Op: wire.OpFindPeer}, false)
	return RefreshResult{Target: t, Visited: result.Visited}
}
