package dispatch

import (
	"context"
	"strconv"

	"dfreplica/internal/logger"
)

// SnapshotSink turns snapshot mutations into dispatched commands. It
// satisfies the mutation sink consumed by the snapshot loader.
type SnapshotSink struct {
	ctx context.Context
	d   Dispatcher
}

// NewSnapshotSink binds a dispatcher.
func NewSnapshotSink(ctx context.Context, d Dispatcher) *SnapshotSink {
	return &SnapshotSink{ctx: ctx, d: d}
}

// Select switches the active database.
func (s *SnapshotSink) Select(db int) {
	s.apply(Command{Args: []string{"SELECT", strconv.Itoa(db)}})
}

// Set stores a string key, with an absolute ms expiry when expireAtMs > 0.
func (s *SnapshotSink) Set(key, value string, expireAtMs int64) {
	args := []string{"SET", key, value}
	if expireAtMs > 0 {
		args = append(args, "PXAT", strconv.FormatInt(expireAtMs, 10))
	}
	s.apply(Command{Args: args})
}

// Command applies an inline journal command.
func (s *SnapshotSink) Command(args []string) {
	s.apply(Command{Args: args})
}

func (s *SnapshotSink) apply(cmd Command) {
	if err := s.d.Dispatch(s.ctx, cmd); err != nil {
		// Snapshot application is best-effort per key; the loader keeps
		// the stream position regardless.
		logger.Warnf("snapshot: apply %s failed: %v", cmd.Name(), err)
	}
}
