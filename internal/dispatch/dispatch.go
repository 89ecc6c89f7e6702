// Package dispatch carries replicated commands from the stream consumer into
// whatever executes them: the storage engine of the serving instance, a
// relay to another Redis-compatible endpoint, or a test recorder.
package dispatch

import (
	"context"
	"strings"
	"sync/atomic"

	"dfreplica/internal/logger"
)

// Command is one replicated request, name first.
type Command struct {
	Args []string
}

// Name returns the command name uppercased, or "" for an empty command.
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return strings.ToUpper(c.Args[0])
}

// A Dispatcher executes commands arriving over the replication link. Calls
// are replay traffic: implementations must not produce replies and must
// accept writes that would be rejected on a read-only replica surface.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// Stats counts dispatch outcomes.
type Stats struct {
	Total   atomic.Int64
	Applied atomic.Int64
	Skipped atomic.Int64
	Failed  atomic.Int64
}

// Discard logs commands at debug and drops them. It is the dispatcher used
// when no execution target is configured.
type Discard struct {
	stats Stats
}

// NewDiscard returns a dropping dispatcher.
func NewDiscard() *Discard {
	return &Discard{}
}

// Dispatch implements Dispatcher.
func (d *Discard) Dispatch(_ context.Context, cmd Command) error {
	d.stats.Total.Add(1)
	d.stats.Skipped.Add(1)
	logger.Debugf("dispatch: drop %s (%d args)", cmd.Name(), len(cmd.Args)-1)
	return nil
}

// Stats exposes the counters.
func (d *Discard) Stats() *Stats {
	return &d.stats
}
