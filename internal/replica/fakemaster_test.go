package replica

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"dfreplica/internal/dispatch"
	"dfreplica/internal/reactor"
	"dfreplica/internal/resp"
)

// fakeMaster is a scripted TCP peer for supervisor-level tests.
type fakeMaster struct {
	t  *testing.T
	ln net.Listener
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return &fakeMaster{t: t, ln: ln}
}

func (m *fakeMaster) addr() string {
	return m.ln.Addr().String()
}

func (m *fakeMaster) accept(timeout time.Duration) (net.Conn, error) {
	if tl, ok := m.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(timeout))
	}
	return m.ln.Accept()
}

// readCmd reads one client command off the wire.
func readCmd(rd *resp.Reader) ([]string, error) {
	v, err := rd.ReadValue()
	if err != nil {
		return nil, err
	}
	if v.Kind != resp.KindArray {
		return nil, fmt.Errorf("expected command array, got %s", v.Kind)
	}
	args := make([]string, len(v.Elems))
	for i, e := range v.Elems {
		args[i] = e.Text()
	}
	return args, nil
}

func expectCmd(rd *resp.Reader, want ...string) error {
	got, err := readCmd(rd)
	if err != nil {
		return err
	}
	if len(got) != len(want) {
		return fmt.Errorf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("expected %v, got %v", want, got)
		}
	}
	return nil
}

func serveLegacyHandshake(conn net.Conn, rd *resp.Reader) error {
	if err := expectCmd(rd, "PING"); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("+PONG\r\n")); err != nil {
		return err
	}
	if err := expectCmd(rd, "REPLCONF", "capa", "eof", "capa", "psync2"); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("+OK\r\n")); err != nil {
		return err
	}
	if err := expectCmd(rd, "REPLCONF", "capa", "dragonfly"); err != nil {
		return err
	}
	_, err := conn.Write([]byte("+OK\r\n"))
	return err
}

func serveMultiFlowHandshake(conn net.Conn, rd *resp.Reader, masterID, session string, flows int) error {
	if err := expectCmd(rd, "PING"); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("+PONG\r\n")); err != nil {
		return err
	}
	if err := expectCmd(rd, "REPLCONF", "capa", "eof", "capa", "psync2"); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("+OK\r\n")); err != nil {
		return err
	}
	if err := expectCmd(rd, "REPLCONF", "capa", "dragonfly"); err != nil {
		return err
	}
	reply := fmt.Sprintf("*3\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n:%d\r\n",
		len(masterID), masterID, len(session), session, flows)
	_, err := conn.Write([]byte(reply))
	return err
}

// respEncode builds one wire command the way the replica's serializer does.
func respEncode(args ...string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(a), a)
	}
	return buf.Bytes()
}

// buildStreamCommand returns a single SET command padded to exactly total
// wire bytes.
func buildStreamCommand(t *testing.T, total int) []byte {
	t.Helper()
	for l := 0; l <= total; l++ {
		b := respEncode("SET", "key", strings.Repeat("x", l))
		if len(b) == total {
			return b
		}
		if len(b) > total {
			break
		}
	}
	t.Fatalf("cannot build a %d-byte command", total)
	return nil
}

// recordingDispatcher captures every dispatched command.
type recordingDispatcher struct {
	mu   sync.Mutex
	cmds []dispatch.Command
}

func (d *recordingDispatcher) Dispatch(_ context.Context, cmd dispatch.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds = append(d.cmds, cmd)
	return nil
}

func (d *recordingDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.cmds))
	for i, c := range d.cmds {
		out[i] = c.Name()
	}
	return out
}

// fakeLoader stands in for the snapshot decoder. With a source limit it
// consumes exactly that many bytes; without one it reads chunks until the
// 0xFF terminator byte and keeps whatever it over-read as leftover.
type fakeLoader struct {
	limit     int64
	bytesRead int64
	leftover  []byte
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{limit: -1}
}

func fakeLoaderFactory() func() SnapshotLoader {
	return func() SnapshotLoader { return newFakeLoader() }
}

func (l *fakeLoader) SetSourceLimit(n int64) { l.limit = n }

func (l *fakeLoader) Load(src io.Reader) error {
	if l.limit >= 0 {
		buf := make([]byte, l.limit)
		if _, err := io.ReadFull(src, buf); err != nil {
			return err
		}
		l.bytesRead = l.limit
		return nil
	}
	var acc []byte
	chunk := make([]byte, 57)
	for {
		n, err := src.Read(chunk)
		acc = append(acc, chunk[:n]...)
		if i := bytes.IndexByte(acc, 0xFF); i >= 0 {
			l.bytesRead = int64(i + 1)
			l.leftover = append([]byte(nil), acc[i+1:]...)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (l *fakeLoader) BytesRead() int64 { return l.bytesRead }
func (l *fakeLoader) Leftover() []byte { return l.leftover }

// testOptions returns supervisor options tuned for fast tests.
func testOptions(t *testing.T, addr string, d dispatch.Dispatcher) Options {
	pool := reactor.NewPool(2)
	t.Cleanup(pool.Shutdown)
	return Options{
		Addr:           addr,
		Pool:           pool,
		Dispatcher:     d,
		NewLoader:      fakeLoaderFactory(),
		DialTimeout:    2 * time.Second,
		ReconnectDelay: 20 * time.Millisecond,
		PostSyncDelay:  time.Millisecond,
	}
}
