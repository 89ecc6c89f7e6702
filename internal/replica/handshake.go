package replica

import (
	"fmt"

	"dfreplica/internal/resp"
)

// HandshakeEngine speaks the greeting sub-protocol on a freshly connected
// control socket and classifies the peer's dialect. Single use.
type HandshakeEngine struct {
	rd *resp.Reader
	wr *resp.Writer
}

// handshakeResult is what the greeting learned about the peer.
type handshakeResult struct {
	dialect      Dialect
	masterReplID string // multi-flow only; legacy learns it from FULLRESYNC
	sessionID    string
	flowCount    int
}

// NewHandshakeEngine binds the engine to the control channel.
func NewHandshakeEngine(rd *resp.Reader, wr *resp.Writer) *HandshakeEngine {
	return &HandshakeEngine{rd: rd, wr: wr}
}

// Run performs the three greeting steps. On any mismatch it fails with a
// bad-message error and leaves nothing half-applied.
func (h *HandshakeEngine) Run() (handshakeResult, error) {
	var res handshakeResult

	v, err := h.roundTrip("PING")
	if err != nil {
		return res, err
	}
	if !v.IsString("PONG") {
		return res, fmt.Errorf("%w: bad PING reply %q", ErrBadMessage, v.Text())
	}

	v, err = h.roundTrip("REPLCONF", "capa", "eof", "capa", "psync2")
	if err != nil {
		return res, err
	}
	if !v.IsOK() {
		return res, fmt.Errorf("%w: bad REPLCONF capa reply %q", ErrBadMessage, v.Text())
	}

	v, err = h.roundTrip("REPLCONF", "capa", "dragonfly")
	if err != nil {
		return res, err
	}
	switch {
	case v.IsOK():
		res.dialect = DialectLegacy
		return res, nil
	case v.Kind == resp.KindArray && len(v.Elems) == 3:
		id, session, count := v.Elems[0], v.Elems[1], v.Elems[2]
		if id.Kind != resp.KindBulkString && id.Kind != resp.KindSimpleString {
			return res, fmt.Errorf("%w: dialect probe: master id not a string", ErrBadMessage)
		}
		if session.Kind != resp.KindBulkString && session.Kind != resp.KindSimpleString {
			return res, fmt.Errorf("%w: dialect probe: session id not a string", ErrBadMessage)
		}
		if len(id.Str) != replIDLen {
			return res, fmt.Errorf("%w: dialect probe: master id length %d", ErrBadMessage, len(id.Str))
		}
		if count.Kind != resp.KindInteger || count.Int <= 0 || count.Int > maxFlows {
			return res, fmt.Errorf("%w: dialect probe: flow count %v", ErrBadMessage, count.Int)
		}
		res.dialect = DialectMultiFlow
		res.masterReplID = id.Text()
		res.sessionID = session.Text()
		res.flowCount = int(count.Int)
		return res, nil
	default:
		return res, fmt.Errorf("%w: dialect probe: unexpected reply kind %s", ErrBadMessage, v.Kind)
	}
}

func (h *HandshakeEngine) roundTrip(args ...string) (resp.Value, error) {
	h.wr.SendCommand(args...)
	if err := h.wr.Err(); err != nil {
		return resp.Value{}, err
	}
	return h.rd.ReadValue()
}
