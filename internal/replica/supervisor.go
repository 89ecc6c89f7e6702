// Package replica turns a freshly started instance into a replica of a
// designated master: it opens the control connection, negotiates
// capabilities, performs the full-state transfer in whichever dialect the
// peer speaks, and then consumes the change stream until stopped.
package replica

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dfreplica/internal/checkpoint"
	"dfreplica/internal/dispatch"
	"dfreplica/internal/logger"
	"dfreplica/internal/reactor"
	"dfreplica/internal/resp"
)

// Options configures a supervisor. Addr, Pool and NewLoader are required; a
// nil Dispatcher drops every command, and the tuning knobs default to the
// protocol constants.
type Options struct {
	Addr        string
	DialTimeout time.Duration
	Pool        *reactor.Pool
	Dispatcher  dispatch.Dispatcher
	// NewLoader builds one snapshot loader per transfer; legacy sync uses
	// one, a multi-flow sync one per flow.
	NewLoader func() SnapshotLoader
	// Checkpoint, when set, persists the legacy resume point so a
	// restarted process can offer PSYNC <id> <offset>.
	Checkpoint *checkpoint.Manager

	ReconnectDelay time.Duration
	AckBytes       int64
	AckInterval    time.Duration
	// PostSyncDelay is the pause after a legacy full sync before the
	// first ack. Legacy masters have a window where an immediate ACK 0
	// is silently discarded.
	PostSyncDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.AckBytes == 0 {
		o.AckBytes = 1024
	}
	if o.AckInterval == 0 {
		o.AckInterval = 5 * time.Second
	}
	if o.PostSyncDelay == 0 {
		o.PostSyncDelay = 50 * time.Millisecond
	}
}

// ctrlConn is the control socket plus its codec surfaces, pinned to the
// reactor that created it.
type ctrlConn struct {
	conn  net.Conn
	owner *reactor.Reactor
	tap   io.Reader
	rd    *resp.Reader
	wr    *resp.Writer
}

// Supervisor owns one replication relationship: the control socket, the
// master identity, the driver task, and the flow children.
type Supervisor struct {
	opts Options

	stages   StageSet
	replOffs atomic.Int64
	lastIO   atomic.Int64
	paused   atomic.Bool

	// mu guards the control conn pointer, the flow registry, and the
	// mutable MasterContext fields the handshake fills in.
	mu     sync.Mutex
	ctrl   *ctrlConn
	flows  []*FlowWorker
	master MasterContext

	ctx      context.Context
	cancel   context.CancelFunc
	mainDone chan struct{}
	stopOnce sync.Once
}

// New validates the options and prepares a supervisor. The link is not
// touched until Start.
func New(opts Options) (*Supervisor, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("replica: reactor pool is required")
	}
	if opts.NewLoader == nil {
		return nil, fmt.Errorf("replica: snapshot loader factory is required")
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.NewDiscard()
	}
	host, portStr, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("replica: bad master address %q: %w", opts.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("replica: bad master port %q", portStr)
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		master: MasterContext{
			Host: host,
			Port: port,
			Addr: net.JoinHostPort(host, portStr),
		},
	}
	if opts.Checkpoint != nil {
		if cp, err := opts.Checkpoint.Load(); err != nil {
			logger.Warnf("replica: checkpoint load: %v", err)
		} else if cp != nil {
			s.master.MasterReplID = cp.MasterReplID
			s.replOffs.Store(cp.ReplOffset)
			logger.Infof("replica: resuming from checkpoint id=%s offset=%d",
				cp.MasterReplID, cp.ReplOffset)
		}
	}
	s.touchIO()
	return s, nil
}

// Start connects and greets synchronously so the caller can report a bad
// master address right away, then hands the link to the driver task. Later
// failures surface only through logs and Info.
func (s *Supervisor) Start() error {
	s.stages.Enable()
	if err := s.connect(); err != nil {
		s.stages.Disable()
		return err
	}
	if err := s.greet(); err != nil {
		s.closeCtrl()
		s.stages.Disable()
		return err
	}
	s.mainDone = make(chan struct{})
	s.mainReactor().Go(func() {
		defer close(s.mainDone)
		s.mainLoop()
	})
	return nil
}

// mainLoop is the outer recovery state machine. Any error resets the attempt
// to the earliest failed stage. StageEnabled is cleared by Stop, and by the
// multi-flow detach after a completed full sync.
func (s *Supervisor) mainLoop() {
	for s.stages.Has(StageEnabled) {
		if !s.stages.Has(StageTCPConnected) {
			time.Sleep(s.opts.ReconnectDelay)
			if !s.stages.Has(StageEnabled) {
				break
			}
			if s.paused.Load() {
				continue
			}
			if err := s.connect(); err != nil {
				logger.Errorf("replica: connect %s: %v", s.masterAddr(), err)
				continue
			}
			logger.Debugf("replica: control socket connected")
		}

		if !s.stages.Has(StageGreeted) {
			if err := s.greet(); err != nil {
				logger.Infof("replica: greet: %v", err)
				s.closeCtrl()
				s.stages.Disconnected()
				continue
			}
		}

		if !s.stages.Has(StageSyncOK) {
			var err error
			if s.dialect() == DialectMultiFlow {
				err = s.initiateMultiFlowSync()
			} else {
				err = s.initiatePSync()
				time.Sleep(s.opts.PostSyncDelay)
			}
			if err != nil {
				logger.Warnf("replica: sync: %v", err)
				s.resetAttempt()
				continue
			}
		}

		var err error
		if s.dialect() == DialectMultiFlow {
			err = s.consumeMultiFlowStream()
		} else {
			err = s.consumeStream()
		}
		if err != nil && !isClosed(err) {
			logger.Errorf("replica: stream: %v", err)
		}
		s.stages.StreamLost()
	}
	s.closeCtrl()
	s.saveCheckpoint()
	logger.Debugf("replica: driver task finished")
}

// Stop disables the supervisor, shuts the sockets down inside their owning
// reactors, and joins the driver task and every flow.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		logger.Infof("replica: stopping")
		s.stages.Disable()
		s.shutdownCtrl()
		s.shutdownFlows()
		if s.mainDone != nil {
			<-s.mainDone
		}
		s.stopFlows()
		s.cancel()
	})
}

// Pause gates the reconnect branch without dropping a healthy link.
func (s *Supervisor) Pause(pause bool) {
	s.mainReactor().Await(func() {
		s.paused.Store(pause)
	})
}

// Info reports the operator-visible link status.
func (s *Supervisor) Info() Info {
	var info Info
	s.mainReactor().Await(func() {
		s.mu.Lock()
		m := s.master
		s.mu.Unlock()
		info = Info{
			Host:               m.Host,
			Port:               m.Port,
			LinkEstablished:    s.stages.Has(StageTCPConnected),
			FullSyncInProgress: s.stages.Has(StageSyncing),
			SecondsSinceLastIO: (time.Now().UnixNano() - s.lastIO.Load()) / int64(time.Second),
			ReplOffset:         s.replOffs.Load(),
			Dialect:            m.Dialect.String(),
		}
	})
	return info
}

// Offset returns the legacy change-stream offset.
func (s *Supervisor) Offset() int64 {
	return s.replOffs.Load()
}

// Done is closed when the driver task exits.
func (s *Supervisor) Done() <-chan struct{} {
	if s.mainDone == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.mainDone
}

func (s *Supervisor) mainReactor() *reactor.Reactor {
	return s.opts.Pool.At(0)
}

func (s *Supervisor) connect() error {
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.Dial("tcp", s.masterAddr())
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err == nil {
			_ = tc.SetKeepAlivePeriod(30 * time.Second)
		}
	}
	c := &ctrlConn{conn: conn, owner: s.mainReactor()}
	c.tap = &ioTap{conn: conn, s: s}
	c.rd = resp.NewReader(c.tap)
	c.wr = resp.NewWriter(conn)

	s.mu.Lock()
	s.ctrl = c
	s.mu.Unlock()

	s.touchIO()
	s.stages.Connected()
	return nil
}

func (s *Supervisor) greet() error {
	c := s.getCtrl()
	if c == nil {
		return ErrConnClosed
	}
	res, err := NewHandshakeEngine(c.rd, c.wr).Run()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.master.Dialect = res.dialect
	if res.dialect == DialectMultiFlow {
		s.master.MasterReplID = res.masterReplID
		s.master.SessionID = res.sessionID
		s.master.FlowCount = res.flowCount
	}
	m := s.master
	s.mu.Unlock()

	s.stages.Greeted()
	if m.Dialect == DialectMultiFlow {
		logger.Infof("replica: greeted %s dialect=%s session=%s flows=%d",
			m.Addr, m.Dialect, m.SessionID, m.FlowCount)
	} else {
		logger.Infof("replica: greeted %s dialect=%s", m.Addr, m.Dialect)
	}
	return nil
}

// resetAttempt tears the attempt down to StageEnabled only.
func (s *Supervisor) resetAttempt() {
	s.closeCtrl()
	s.stopFlows()
	s.stages.ResetAttempt()
}

func (s *Supervisor) getCtrl() *ctrlConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

func (s *Supervisor) closeCtrl() {
	s.mu.Lock()
	c := s.ctrl
	s.ctrl = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.owner.Await(func() {
		_ = c.conn.Close()
	})
}

// shutdownCtrl half-kills the socket from its owning reactor so pending I/O
// fails, leaving the descriptor for closeCtrl.
func (s *Supervisor) shutdownCtrl() {
	s.mu.Lock()
	c := s.ctrl
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.owner.Await(func() {
		shutdownConn(c.conn)
	})
}

// shutdownConn is SHUT_RDWR: both directions go down, the descriptor stays.
func shutdownConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
		_ = tc.CloseWrite()
		return
	}
	_ = conn.Close()
}

func (s *Supervisor) addFlow(fw *FlowWorker) {
	s.mu.Lock()
	s.flows = append(s.flows, fw)
	s.mu.Unlock()
}

func (s *Supervisor) takeFlows() []*FlowWorker {
	s.mu.Lock()
	flows := s.flows
	s.flows = nil
	s.mu.Unlock()
	return flows
}

func (s *Supervisor) shutdownFlows() {
	s.mu.Lock()
	flows := append([]*FlowWorker(nil), s.flows...)
	s.mu.Unlock()
	for _, fw := range flows {
		fw.Shutdown()
	}
}

func (s *Supervisor) stopFlows() {
	for _, fw := range s.takeFlows() {
		fw.Stop()
	}
}

func (s *Supervisor) masterAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master.Addr
}

func (s *Supervisor) dialect() Dialect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master.Dialect
}

func (s *Supervisor) masterSnapshot() MasterContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *Supervisor) setMasterReplID(id string) {
	s.mu.Lock()
	s.master.MasterReplID = id
	s.mu.Unlock()
}

func (s *Supervisor) saveCheckpoint() {
	if s.opts.Checkpoint == nil {
		return
	}
	m := s.masterSnapshot()
	if m.MasterReplID == "" {
		return
	}
	cp := &checkpoint.Checkpoint{
		MasterReplID: m.MasterReplID,
		ReplOffset:   s.replOffs.Load(),
	}
	if err := s.opts.Checkpoint.Save(cp); err != nil {
		logger.Warnf("replica: checkpoint save: %v", err)
	}
}

func (s *Supervisor) touchIO() {
	s.lastIO.Store(time.Now().UnixNano())
}

// ioTap counts a successful transfer on the control socket as link activity.
type ioTap struct {
	conn net.Conn
	s    *Supervisor
}

func (t *ioTap) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if n > 0 {
		t.s.touchIO()
	}
	return n, err
}
