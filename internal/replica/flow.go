package replica

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dfreplica/internal/logger"
	"dfreplica/internal/reactor"
	"dfreplica/internal/resp"
)

// FlowWorker drives one data connection of a multi-flow sync: it opens its
// own socket, authenticates with (master id, session id, flow id), streams
// its snapshot fragment into a loader, and verifies the trailing EOF
// sentinel. It holds a value copy of the master context and reports back
// only through Join.
type FlowWorker struct {
	master      MasterContext
	flowID      int
	owner       *reactor.Reactor
	newLoader   func() SnapshotLoader
	dialTimeout time.Duration

	conn     net.Conn
	eofToken []byte

	done      chan struct{}
	err       error
	closeOnce sync.Once
	shutdown  atomic.Bool
}

// NewFlowWorker prepares a worker pinned to the given reactor.
func NewFlowWorker(master MasterContext, flowID int, owner *reactor.Reactor,
	newLoader func() SnapshotLoader, dialTimeout time.Duration) *FlowWorker {
	return &FlowWorker{
		master:      master,
		flowID:      flowID,
		owner:       owner,
		newLoader:   newLoader,
		dialTimeout: dialTimeout,
		done:        make(chan struct{}),
	}
}

// Start opens and authenticates the data connection, then spawns the
// snapshot task on the owning reactor. Must be called on that reactor.
func (w *FlowWorker) Start() error {
	d := net.Dialer{Timeout: w.dialTimeout}
	conn, err := d.Dial("tcp", w.master.Addr)
	if err != nil {
		return err
	}
	w.conn = conn

	wr := resp.NewWriter(conn)
	rd := resp.NewReader(conn)
	wr.SendCommand("DFLY", "FLOW",
		w.master.MasterReplID, w.master.SessionID, strconv.Itoa(w.flowID))
	if err := wr.Err(); err != nil {
		w.closeConn()
		return err
	}

	v, err := rd.ReadValue()
	if err != nil {
		w.closeConn()
		return err
	}
	if v.Kind != resp.KindArray || len(v.Elems) < 2 {
		w.closeConn()
		return fmt.Errorf("%w: bad FLOW reply kind=%s", ErrBadMessage, v.Kind)
	}
	directive := v.Elems[0]
	token := v.Elems[1]
	if !directive.IsString("FULL") {
		w.closeConn()
		return fmt.Errorf("%w: bad FLOW directive %q", ErrBadMessage, directive.Text())
	}
	if len(token.Str) != replIDLen {
		w.closeConn()
		return fmt.Errorf("%w: FLOW EOF token length %d", ErrBadMessage, len(token.Str))
	}
	w.eofToken = append([]byte(nil), token.Str...)

	// The reply may share a packet with the first snapshot bytes; carry
	// them into the load.
	leftover := rd.TakeBuffered()
	w.owner.Go(func() {
		defer close(w.done)
		w.err = w.run(leftover)
	})
	return nil
}

// run ingests the snapshot fragment and checks the sentinel.
func (w *FlowWorker) run(leftover []byte) error {
	logger.Debugf("flow %d: loading snapshot fragment", w.flowID)
	loader := w.newLoader()
	src := newPrefixSource(leftover, w.conn)
	if err := loader.Load(src); err != nil {
		if w.shutdown.Load() {
			return ErrConnClosed
		}
		return fmt.Errorf("%w: flow %d snapshot load: %v", ErrSyncFailed, w.flowID, err)
	}

	chained := newPrefixSource(loader.Leftover(), src)
	got := make([]byte, len(w.eofToken))
	if _, err := io.ReadFull(chained, got); err != nil {
		return fmt.Errorf("%w: flow %d reading EOF token: %v", ErrSyncFailed, w.flowID, err)
	}
	if !bytes.Equal(got, w.eofToken) {
		return fmt.Errorf("%w: flow %d EOF token mismatch", ErrSyncFailed, w.flowID)
	}
	if len(chained.unusedPrefix()) != 0 {
		return fmt.Errorf("%w: flow %d has %d residual bytes past EOF token",
			ErrSyncFailed, w.flowID, len(chained.unusedPrefix()))
	}
	logger.Debugf("flow %d: fragment complete, %d bytes", w.flowID, loader.BytesRead())
	return nil
}

// Join waits for the snapshot task and releases the socket.
func (w *FlowWorker) Join() error {
	<-w.done
	w.closeConn()
	return w.err
}

// Shutdown kills the socket from the owning reactor so the pending read
// fails; the task then winds down on its own.
func (w *FlowWorker) Shutdown() {
	w.shutdown.Store(true)
	w.owner.Await(func() {
		if w.conn != nil {
			shutdownConn(w.conn)
		}
	})
}

// Stop aborts the worker and joins it.
func (w *FlowWorker) Stop() error {
	w.Shutdown()
	return w.Join()
}

func (w *FlowWorker) closeConn() {
	w.closeOnce.Do(func() {
		if w.conn != nil {
			_ = w.conn.Close()
		}
	})
}
