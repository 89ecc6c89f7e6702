package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"dfreplica/internal/logger"
)

// RelayOptions configures a relay target.
type RelayOptions struct {
	Addr     string
	Password string
	// MaxCommandsPerSec throttles replay; 0 means unthrottled.
	MaxCommandsPerSec int
}

// Relay forwards replicated commands to a Redis-compatible endpoint.
// Control-plane commands that only make sense on the originating link
// (PING, SELECT, REPLCONF) are counted and skipped.
type Relay struct {
	client  *redis.Client
	limiter *rate.Limiter
	stats   Stats
}

// NewRelay connects to the target endpoint.
func NewRelay(ctx context.Context, opts RelayOptions) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: connect %s: %w", opts.Addr, err)
	}
	var limiter *rate.Limiter
	if opts.MaxCommandsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxCommandsPerSec), opts.MaxCommandsPerSec)
	}
	return &Relay{client: client, limiter: limiter}, nil
}

// Dispatch implements Dispatcher.
func (r *Relay) Dispatch(ctx context.Context, cmd Command) error {
	r.stats.Total.Add(1)
	switch cmd.Name() {
	case "", "PING", "REPLCONF":
		r.stats.Skipped.Add(1)
		return nil
	case "SELECT":
		// The target keeps a single logical database.
		r.stats.Skipped.Add(1)
		return nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	args := make([]interface{}, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = a
	}
	if err := r.client.Do(ctx, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		r.stats.Failed.Add(1)
		logger.Warnf("relay: %s failed: %v", cmd.Name(), err)
		return err
	}
	r.stats.Applied.Add(1)
	return nil
}

// Stats exposes the counters.
func (r *Relay) Stats() *Stats {
	return &r.stats
}

// Close releases the client connection.
func (r *Relay) Close() error {
	return r.client.Close()
}
