package replica

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dfreplica/internal/checkpoint"
	"dfreplica/internal/resp"
)

// A restarted process offers PSYNC with the persisted resume point instead
// of forcing ? -1.
func TestCheckpointResumeAcrossRestart(t *testing.T) {
	m := newFakeMaster(t)
	masterID := strings.Repeat("l", 40)
	mgr := checkpoint.NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))

	serve := func(wantPSync []string, replyOffset string) chan error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- func() error {
				// Stale reconnect attempts from a stopped run may sit in
				// the accept backlog; skip any that die during greeting.
				var conn net.Conn
				var rd *resp.Reader
				for {
					c, err := m.accept(5 * time.Second)
					if err != nil {
						return err
					}
					r := resp.NewReader(c)
					if err := serveLegacyHandshake(c, r); err != nil {
						_ = c.Close()
						continue
					}
					conn, rd = c, r
					break
				}
				defer conn.Close()
				if err := expectCmd(rd, wantPSync...); err != nil {
					return err
				}
				if _, err := conn.Write([]byte("+FULLRESYNC " + masterID + " " + replyOffset + "\r\n$0\r\n")); err != nil {
					return err
				}
				return expectCmd(rd, "REPLCONF", "ACK", "0")
			}()
		}()
		return errCh
	}

	// First run attaches from scratch and persists the resume point.
	errCh := serve([]string{"PSYNC", "?", "-1"}, "777")
	opts := testOptions(t, m.addr(), &recordingDispatcher{})
	opts.Checkpoint = mgr
	sup, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	require.NoError(t, <-errCh)
	sup.Stop()

	cp, err := mgr.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, masterID, cp.MasterReplID)
	require.Equal(t, int64(777), cp.ReplOffset)

	// Second run must offer the cached id and offset.
	errCh = serve([]string{"PSYNC", masterID, "777"}, "777")
	opts2 := testOptions(t, m.addr(), &recordingDispatcher{})
	opts2.Checkpoint = mgr
	sup2, err := New(opts2)
	require.NoError(t, err)
	require.NoError(t, sup2.Start())
	require.NoError(t, <-errCh)
	sup2.Stop()
}
