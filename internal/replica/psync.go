package replica

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"dfreplica/internal/dispatch"
	"dfreplica/internal/logger"
	"dfreplica/internal/resp"
)

const streamBufSize = 16 * 1024

// initiatePSync runs the legacy full sync over the control connection:
// PSYNC, the FULLRESYNC header, then the snapshot either as exactly N bytes
// (disk master) or as a byte stream delimited by a 40-byte EOF token
// (diskless master).
func (s *Supervisor) initiatePSync() error {
	c := s.getCtrl()
	if c == nil {
		return ErrConnClosed
	}

	id, offs := "?", int64(-1)
	if m := s.masterSnapshot(); m.MasterReplID != "" {
		id = m.MasterReplID
		offs = s.replOffs.Load()
	}
	c.wr.SendCommand("PSYNC", id, strconv.FormatInt(offs, 10))
	if err := c.wr.Err(); err != nil {
		return err
	}

	eofToken, snapshotSize, err := s.parseReplicationHeader(c)
	if err != nil {
		return err
	}

	s.stages.BeginSync()

	if snapshotSize > 0 || eofToken != nil {
		loader := s.opts.NewLoader()
		src := newPrefixSource(c.rd.TakeBuffered(), c.tap)
		if eofToken == nil {
			loader.SetSourceLimit(snapshotSize)
		}
		if err := loader.Load(src); err != nil {
			return fmt.Errorf("%w: snapshot load: %v", ErrSyncFailed, err)
		}
		if eofToken != nil {
			if err := verifyEOFToken(loader, src, eofToken); err != nil {
				return err
			}
		} else {
			if loader.BytesRead() != snapshotSize {
				return fmt.Errorf("%w: snapshot consumed %d of %d bytes",
					ErrSyncFailed, loader.BytesRead(), snapshotSize)
			}
			if len(loader.Leftover()) != 0 {
				return fmt.Errorf("%w: %d residual bytes after sized snapshot",
					ErrSyncFailed, len(loader.Leftover()))
			}
		}
		if len(src.unusedPrefix()) != 0 {
			return fmt.Errorf("%w: control buffer not drained after snapshot", ErrSyncFailed)
		}
		logger.Infof("replica: full sync complete, %d snapshot bytes", loader.BytesRead())
	}

	s.stages.SyncDone()
	s.saveCheckpoint()
	return nil
}

// parseReplicationHeader reads the PSYNC reply lines. It returns the EOF
// token for diskless transfers, or the announced byte count for sized ones.
func (s *Supervisor) parseReplicationHeader(c *ctrlConn) (eofToken []byte, size int64, err error) {
	line, err := c.rd.ReadLine()
	if err != nil {
		return nil, 0, err
	}
	header := string(line)

	switch {
	case strings.HasPrefix(header, "+FULLRESYNC "):
		rest := header[len("+FULLRESYNC "):]
		sp := strings.IndexByte(rest, ' ')
		if sp <= 0 {
			return nil, 0, fmt.Errorf("%w: bad FULLRESYNC header %q", ErrBadMessage, header)
		}
		off, perr := strconv.ParseInt(rest[sp+1:], 10, 64)
		if perr != nil {
			return nil, 0, fmt.Errorf("%w: bad FULLRESYNC offset %q", ErrBadMessage, rest[sp+1:])
		}
		s.setMasterReplID(rest[:sp])
		s.replOffs.Store(off)
		logger.Debugf("replica: full resync id=%s offset=%d", rest[:sp], off)

	case header == "+CONTINUE":
		// Partial resync is not implemented; refusing here restarts the
		// attempt with a full sync rather than pretending a zero-byte
		// transfer succeeded.
		return nil, 0, fmt.Errorf("%w: partial resync (+CONTINUE) not supported", ErrBadMessage)

	default:
		return nil, 0, fmt.Errorf("%w: bad replication header %q", ErrBadMessage, header)
	}

	line, err = c.rd.ReadLine()
	if err != nil {
		return nil, 0, err
	}
	if len(line) < 2 || line[0] != '$' {
		return nil, 0, fmt.Errorf("%w: bad snapshot header %q", ErrBadMessage, line)
	}
	body := line[1:]
	if bytes.HasPrefix(body, []byte("EOF:")) {
		token := append([]byte(nil), body[len("EOF:"):]...)
		if len(token) != replIDLen {
			return nil, 0, fmt.Errorf("%w: EOF token length %d", ErrBadMessage, len(token))
		}
		return token, 0, nil
	}
	n, perr := strconv.ParseInt(string(body), 10, 64)
	if perr != nil || n < 0 {
		return nil, 0, fmt.Errorf("%w: bad snapshot size %q", ErrBadMessage, body)
	}
	return nil, n, nil
}

// verifyEOFToken reads the 40 trailing sentinel bytes out of the loader's
// leftover chained with the live source and compares them to the announced
// token. The loader must not have read anything past the sentinel.
func verifyEOFToken(loader SnapshotLoader, src *prefixSource, token []byte) error {
	chained := newPrefixSource(loader.Leftover(), src)
	got := make([]byte, len(token))
	if _, err := io.ReadFull(chained, got); err != nil {
		return fmt.Errorf("%w: reading EOF token: %v", ErrSyncFailed, err)
	}
	if !bytes.Equal(got, token) {
		return fmt.Errorf("%w: EOF token mismatch", ErrSyncFailed)
	}
	if len(chained.unusedPrefix()) != 0 {
		return fmt.Errorf("%w: %d residual bytes past EOF token",
			ErrSyncFailed, len(chained.unusedPrefix()))
	}
	return nil
}

// consumeStream is the legacy post-snapshot loop: count every received byte
// into the replication offset, ack on the byte/time thresholds, parse the
// buffer into commands, and dispatch them in arrival order.
func (s *Supervisor) consumeStream() error {
	c := s.getCtrl()
	if c == nil {
		return ErrConnClosed
	}

	// The master holds the stream until the first ack arrives.
	c.wr.SendCommand("REPLCONF", "ACK", "0")
	if err := c.wr.Err(); err != nil {
		return err
	}

	var parser resp.Parser
	ackOffs := s.replOffs.Load()
	lastAck := time.Now()
	pending := make([]byte, 0, streamBufSize)
	scratch := make([]byte, streamBufSize)

	for {
		n, err := c.tap.Read(scratch)
		if n > 0 {
			pending = append(pending, scratch[:n]...)
			offs := s.replOffs.Add(int64(n))

			if offs-ackOffs >= s.opts.AckBytes || time.Since(lastAck) >= s.opts.AckInterval {
				c.wr.SendCommand("REPLCONF", "ACK", strconv.FormatInt(offs, 10))
				if werr := c.wr.Err(); werr != nil {
					return werr
				}
				ackOffs = offs
				lastAck = time.Now()
			}

			for len(pending) > 0 {
				v, consumed, perr := parser.Parse(pending)
				if errors.Is(perr, resp.ErrIncomplete) {
					break
				}
				if perr != nil {
					return perr
				}
				pending = pending[consumed:]
				s.dispatchValue(v)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrConnClosed
			}
			return err
		}
	}
}

// dispatchValue hands one parsed stream command to the dispatcher. Dispatch
// failures are logged but do not break the link; the offset already covers
// the bytes either way.
func (s *Supervisor) dispatchValue(v resp.Value) {
	if v.Kind != resp.KindArray || len(v.Elems) == 0 {
		logger.Warnf("replica: ignoring non-command stream frame kind=%s", v.Kind)
		return
	}
	args := make([]string, len(v.Elems))
	for i, e := range v.Elems {
		args[i] = e.Text()
	}
	if err := s.opts.Dispatcher.Dispatch(s.ctx, dispatch.Command{Args: args}); err != nil {
		logger.Warnf("replica: dispatch %s: %v", args[0], err)
	}
}
