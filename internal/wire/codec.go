package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single envelope so a malformed or hostile peer
// cannot force an unbounded allocation from the length prefix alone.
const maxFrameSize = 16 << 20 // 16 MiB

// ErrProtocol wraps any framing or decode failure; sessions treat it the
// same as a transport error (§7).
var ErrProtocol = errors.New("wire: protocol error")

// WriteRequest frames and writes a Request: a 4-byte big-endian length
// prefix followed by the msgpack-encoded envelope.
func WriteRequest(w io.Writer, r Request) error {
	return writeEnvelope(w, requestToEnvelope(r))
}

// WriteResponse frames and writes a Response.
func WriteResponse(w io.Writer, r Response) error {
	return writeEnvelope(w, responseToEnvelope(r))
}

func writeEnvelope(w io.Writer, e wireEnvelope) error {
	body, err := msgpack.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, "wire: encode envelope")
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "wire: write length prefix")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "wire: write body")
	}
	return nil
}

// ReadEnvelope reads one framed envelope from r and reports whether it was
// a Request or a Response. Exactly one of the returned pointers is non-nil.
func ReadEnvelope(r io.Reader) (*Request, *Response, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, nil, err // EOF/closed-socket propagates as-is; callers treat as transport error
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, nil, errors.Wrapf(ErrProtocol, "frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Wrap(err, "wire: read body")
	}

	var e wireEnvelope
	if err := msgpack.Unmarshal(body, &e); err != nil {
		return nil, nil, errors.Wrapf(ErrProtocol, "decode envelope: %v", err)
	}

	switch e.Kind {
	case kindRequest:
		if _, err := ParseOperation(uint8(e.Op)); err != nil {
			return nil, nil, err
		}
		req := envelopeToRequest(e)
		return &req, nil, nil
	case kindResponse:
		resp := envelopeToResponse(e)
		return nil, &resp, nil
	default:
		return nil, nil, errors.Wrapf(ErrProtocol, "unknown envelope kind %d", e.Kind)
	}
}

// ParseOperation validates a raw tag against the known Operation set,
// surfacing unknown operations as a protocol error per §7.
func ParseOperation(tag uint8) (Operation, error) {
	switch Operation(tag) {
	case OpPing, OpStore, OpFindPeer, OpFindValue:
		return Operation(tag), nil
	default:
		return 0, errors.Wrapf(ErrProtocol, "unknown operation tag %d", tag)
	}
}
