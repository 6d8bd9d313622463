// Package wire defines the RPC envelope exchanged between peer sessions and
// its framing over a TCP byte stream. This is the "generic RPC transport"
// the distilled spec treats as an external collaborator (§1); it carries
// Kademlia semantics but has none of its own.
package wire

import (
	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/peer"
)

// Operation identifies the RPC being carried. The wire tag values are fixed
// by §6 and must not be renumbered.
type Operation uint8

const (
	OpPing      Operation = 0
	OpStore     Operation = 1
	OpFindPeer  Operation = 2
	OpFindValue Operation = 3
)

func (op Operation) String() string {
	switch op {
	case OpPing:
		return "PING"
	case OpStore:
		return "STORE"
	case OpFindPeer:
		return "FIND_PEER"
	case OpFindValue:
		return "FIND_VALUE"
	default:
		return "UNKNOWN"
	}
}

// wirePeer is PeerInfo's on-the-wire shape: Key as 32 raw bytes and the
// address as one "host:port" string. The key is omitted for a peer that
// hasn't identified itself (msgpack tag `,omitempty` semantics below rely
// on the Key field being present whenever HasKey is true).
type wirePeer struct {
	Key     []byte `msgpack:"key,omitempty"`
	Address string `msgpack:"address"`
}

func toWirePeer(p peer.Info) wirePeer {
	if !p.HasKey() {
		return wirePeer{Address: p.Address}
	}
	return wirePeer{Key: p.Key.Bytes(), Address: p.Address}
}

func fromWirePeer(w wirePeer) peer.Info {
	if len(w.Key) == 0 {
		return peer.Unidentified(w.Address)
	}
	var k key.Key
	copy(k[:], w.Key)
	return peer.New(k, w.Address)
}

func toWirePeers(peers []peer.Info) []wirePeer {
	out := make([]wirePeer, len(peers))
	for i, p := range peers {
		out[i] = toWirePeer(p)
	}
	return out
}

func fromWirePeers(ws []wirePeer) []peer.Info {
	out := make([]peer.Info, len(ws))
	for i, w := range ws {
		out[i] = fromWirePeer(w)
	}
	return out
}

// Request is a single outbound or inbound RPC request. RequestID is unique
// within the sending session, not globally.
type Request struct {
	RequestID uint64
	Op        Operation
	Sender    peer.Info
	Target    key.Key
	Data      []byte
}

// Response answers a Request with the same RequestID.
type Response struct {
	RequestID uint64
	Sender    peer.Info
	Success   bool
	Data      []byte
	Peers     []peer.Info
	// Err carries a diagnostic for protocol/transport-level failures (§7);
	// it is distinct from Success=false, which signals a logical failure
	// like "value not found" rather than an error.
	Err string
}

// wireEnvelope is the single type that crosses the stream; Request xor
// Response is populated depending on Kind.
type wireEnvelope struct {
	Kind      uint8      `msgpack:"kind"` // 0 = request, 1 = response
	RequestID uint64     `msgpack:"id"`
	Op        Operation  `msgpack:"op,omitempty"`
	Sender    wirePeer   `msgpack:"sender,omitempty"`
	Target    []byte     `msgpack:"target,omitempty"`
	Data      []byte     `msgpack:"data,omitempty"`
	Success   bool       `msgpack:"success,omitempty"`
	Peers     []wirePeer `msgpack:"peers,omitempty"`
	Err       string     `msgpack:"err,omitempty"`
}

const (
	kindRequest  uint8 = 0
	kindResponse uint8 = 1
)

func requestToEnvelope(r Request) wireEnvelope {
	return wireEnvelope{
		Kind:      kindRequest,
		RequestID: r.RequestID,
		Op:        r.Op,
		Sender:    toWirePeer(r.Sender),
		Target:    r.Target.Bytes(),
		Data:      r.Data,
	}
}

func envelopeToRequest(e wireEnvelope) Request {
	var target key.Key
	copy(target[:], e.Target)
	return Request{
		RequestID: e.RequestID,
		Op:        e.Op,
		Sender:    fromWirePeer(e.Sender),
		Target:    target,
		Data:      e.Data,
	}
}

func responseToEnvelope(r Response) wireEnvelope {
	return wireEnvelope{
		Kind:      kindResponse,
		RequestID: r.RequestID,
		Sender:    toWirePeer(r.Sender),
		Success:   r.Success,
		Data:      r.Data,
		Peers:     toWirePeers(r.Peers),
		Err:       r.Err,
	}
}

func envelopeToResponse(e wireEnvelope) Response {
	return Response{
		RequestID: e.RequestID,
		Sender:    fromWirePeer(e.Sender),
		Success:   e.Success,
		Data:      e.Data,
		Peers:     fromWirePeers(e.Peers),
		Err:       e.Err,
	}
}
