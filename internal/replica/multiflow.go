package replica

import (
	"fmt"
	"sync"
	"time"

	"dfreplica/internal/logger"
	"dfreplica/internal/reactor"
)

// initiateMultiFlowSync fans flow workers out over the reactor pool, sends
// the global sync kickoff on the control connection once every flow is
// attached, and waits for each flow to finish its snapshot fragment.
func (s *Supervisor) initiateMultiFlowSync() error {
	m := s.masterSnapshot()
	if m.FlowCount <= 0 {
		return fmt.Errorf("%w: no flows announced", ErrBadMessage)
	}

	// Each reactor owns flow_id mod reactor_count for the whole attempt.
	pool := s.opts.Pool
	partition := make([][]int, pool.Size())
	for id := 0; id < m.FlowCount; id++ {
		slot := id % pool.Size()
		partition[slot] = append(partition[slot], id)
	}

	var mu sync.Mutex
	var firstErr error
	start := time.Now()

	pool.AwaitOnAll(func(idx int, r *reactor.Reactor) {
		for _, id := range partition[idx] {
			fw := NewFlowWorker(m, id, r, s.opts.NewLoader, s.opts.DialTimeout)
			if err := fw.Start(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("flow %d: %w", id, err)
				}
				mu.Unlock()
				return
			}
			s.addFlow(fw)
		}
	})

	if firstErr != nil {
		s.stopFlows()
		return firstErr
	}

	s.stages.BeginSync()

	// The master waits for this rendezvous before shipping any data.
	c := s.getCtrl()
	if c == nil {
		s.stopFlows()
		return ErrConnClosed
	}
	c.wr.SendCommand("DFLY", "SYNC", m.SessionID)
	if err := c.wr.Err(); err != nil {
		s.stopFlows()
		return err
	}
	v, err := c.rd.ReadValue()
	if err != nil {
		s.stopFlows()
		return err
	}
	if !v.IsOK() {
		s.stopFlows()
		return fmt.Errorf("%w: bad DFLY SYNC reply %q", ErrBadMessage, v.Text())
	}

	// Keep the flows registered while joining so a concurrent Stop can
	// still shut their sockets down.
	s.mu.Lock()
	flows := append([]*FlowWorker(nil), s.flows...)
	s.mu.Unlock()

	var flowErr error
	for _, fw := range flows {
		if err := fw.Join(); err != nil && flowErr == nil {
			flowErr = err
		}
	}
	s.takeFlows()
	if flowErr != nil {
		return flowErr
	}

	s.stages.SyncDone()
	logger.Infof("replica: full sync finished in %dms over %d flows",
		time.Since(start).Milliseconds(), m.FlowCount)
	return nil
}

// consumeMultiFlowStream covers the post-snapshot phase of the multi-flow
// dialect. Stable-state stream consumption over the flows is reserved; the
// session detaches cleanly instead of pretending to follow the master.
func (s *Supervisor) consumeMultiFlowStream() error {
	logger.Warnf("replica: multi-flow stable sync not implemented; detaching after full sync")
	c := s.getCtrl()
	if c == nil {
		return ErrConnClosed
	}
	c.wr.SendCommand("QUIT")
	s.stages.Disable()
	return c.wr.Err()
}
