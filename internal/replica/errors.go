package replica

import (
	"errors"
	"io"
	"net"
	"syscall"

	"dfreplica/internal/resp"
)

// Error kinds. Transport and protocol kinds come from the wire codec so the
// whole link shares one taxonomy; the supervisor is the only layer that
// classifies them into retry-vs-terminate.
var (
	ErrBadMessage = resp.ErrBadMessage
	ErrConnClosed = resp.ErrConnClosed
	// ErrSyncFailed marks a snapshot that loaded wrong: loader error,
	// EOF token mismatch, or residual bytes where none are allowed.
	ErrSyncFailed = errors.New("replica: sync failed")
)

// isClosed reports whether err means the peer or our own shutdown closed the
// link. During the stop window every pending read fails this way and the
// condition is terminal rather than retriable.
func isClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
