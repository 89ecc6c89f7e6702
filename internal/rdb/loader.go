// Package rdb decodes the snapshot dump format shipped by the master during
// full sync and turns it into storage mutations. The loader reads from a
// byte source (typically a buffered prefix chained with the live socket),
// stops at the format terminator or the configured byte limit, and reports
// how many bytes belonged to the snapshot versus over-read leftover.
package rdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"dfreplica/internal/logger"
)

// Sink receives the mutations decoded out of a snapshot.
type Sink interface {
	// Select switches the active database.
	Select(db int)
	// Set stores a string key. expireAtMs is an absolute unix-ms expiry,
	// 0 when the key has none.
	Set(key, value string, expireAtMs int64)
	// Command applies a command replicated inline with the snapshot
	// (writes that raced the snapshot producer).
	Command(args []string)
}

// Loader decodes one snapshot stream. Not reusable across Load calls.
type Loader struct {
	sink  Sink
	limit int64

	net    *bufio.Reader
	active *bufio.Reader
	count  *countingReader

	currentDB int
	expireMs  int64

	bytesRead int64
	leftover  []byte
}

// NewLoader returns a loader feeding sink.
func NewLoader(sink Sink) *Loader {
	return &Loader{sink: sink, limit: -1}
}

// SetSourceLimit caps how many source bytes the snapshot may span. Used for
// size-prefixed transfers where the master announced the exact byte count.
func (l *Loader) SetSourceLimit(n int64) {
	l.limit = n
}

// Load consumes the snapshot from src until its terminator or the source
// limit. After Load, BytesRead reports the bytes logically consumed and
// Leftover the bytes read past the snapshot's end.
func (l *Loader) Load(src io.Reader) error {
	rd := src
	if l.limit >= 0 {
		rd = io.LimitReader(src, l.limit)
	}
	l.count = &countingReader{r: rd}
	l.net = bufio.NewReaderSize(l.count, 64<<10)
	l.active = l.net

	err := l.load()

	if n := l.net.Buffered(); n > 0 {
		b, _ := l.net.Peek(n)
		l.leftover = append([]byte(nil), b...)
	}
	l.bytesRead = l.count.n - int64(len(l.leftover))
	return err
}

// BytesRead returns how many source bytes the snapshot occupied.
func (l *Loader) BytesRead() int64 {
	return l.bytesRead
}

// Leftover returns bytes read past the snapshot's logical end.
func (l *Loader) Leftover() []byte {
	return l.leftover
}

func (l *Loader) load() error {
	if err := l.readHeader(); err != nil {
		return err
	}
	for {
		op, err := l.active.ReadByte()
		if err != nil {
			return fmt.Errorf("rdb: stream ended before terminator: %w", err)
		}
		switch op {
		case opExpireTimeMS:
			var buf [8]byte
			if _, err := io.ReadFull(l.active, buf[:]); err != nil {
				return fmt.Errorf("rdb: expiry: %w", err)
			}
			l.expireMs = int64(binary.LittleEndian.Uint64(buf[:]))
		case opExpireTime:
			var buf [4]byte
			if _, err := io.ReadFull(l.active, buf[:]); err != nil {
				return fmt.Errorf("rdb: expiry: %w", err)
			}
			l.expireMs = int64(binary.LittleEndian.Uint32(buf[:])) * 1000
		case opSelectDB:
			db, _, err := readLength(l.active)
			if err != nil {
				return fmt.Errorf("rdb: select db: %w", err)
			}
			l.currentDB = int(db)
			l.sink.Select(l.currentDB)
		case opResizeDB:
			for i := 0; i < 2; i++ {
				if _, _, err := readLength(l.active); err != nil {
					return fmt.Errorf("rdb: resize db: %w", err)
				}
			}
		case opAux:
			key, err := readString(l.active)
			if err != nil {
				return fmt.Errorf("rdb: aux key: %w", err)
			}
			val, err := readString(l.active)
			if err != nil {
				return fmt.Errorf("rdb: aux value for %q: %w", key, err)
			}
			logger.Debugf("rdb: aux %s=%s", key, val)
		case opJournalOffset:
			var buf [8]byte
			if _, err := io.ReadFull(l.active, buf[:]); err != nil {
				return fmt.Errorf("rdb: journal offset: %w", err)
			}
		case opJournalBlob:
			if err := l.readJournalBlob(); err != nil {
				return err
			}
		case opZstdBlobStart, opLz4BlobStart:
			if err := l.beginBlob(op); err != nil {
				return err
			}
		case opBlobEnd:
			l.active = l.net
		case opFullSyncEnd:
			if l.active != l.net {
				return fmt.Errorf("rdb: terminator inside compressed blob")
			}
			var buf [8]byte
			if _, err := io.ReadFull(l.active, buf[:]); err != nil {
				return fmt.Errorf("rdb: full-sync end suffix: %w", err)
			}
			if buf != [8]byte{} {
				return fmt.Errorf("rdb: full-sync end suffix not zero")
			}
			return nil
		case opEOF:
			if l.active != l.net {
				return fmt.Errorf("rdb: terminator inside compressed blob")
			}
			var checksum [8]byte
			if _, err := io.ReadFull(l.active, checksum[:]); err != nil {
				return fmt.Errorf("rdb: checksum: %w", err)
			}
			return nil
		default:
			if err := l.readKeyValue(op); err != nil {
				return err
			}
		}
	}
}

func (l *Loader) readHeader() error {
	magic := make([]byte, 9)
	if _, err := io.ReadFull(l.active, magic); err != nil {
		return fmt.Errorf("rdb: magic: %w", err)
	}
	if !bytes.HasPrefix(magic, []byte("REDIS")) {
		return fmt.Errorf("rdb: bad magic %q", magic)
	}
	for _, b := range magic[5:] {
		if b < '0' || b > '9' {
			return fmt.Errorf("rdb: bad version in magic %q", magic)
		}
	}
	return nil
}

func (l *Loader) readKeyValue(typeByte byte) error {
	key, err := readString(l.active)
	if err != nil {
		return fmt.Errorf("rdb: key: %w", err)
	}
	switch typeByte {
	case typeString:
		val, err := readString(l.active)
		if err != nil {
			return fmt.Errorf("rdb: value for %q: %w", key, err)
		}
		l.sink.Set(key, val, l.expireMs)
	default:
		return fmt.Errorf("rdb: unsupported value type %d for key %q", typeByte, key)
	}
	l.expireMs = 0
	return nil
}

// beginBlob decompresses one compressed region and redirects reads to it.
// The producer terminates each region with opBlobEnd once decompressed, so
// the end marker is appended here the same way before switching readers.
func (l *Loader) beginBlob(kind byte) error {
	if l.active != l.net {
		return fmt.Errorf("rdb: nested compressed blob")
	}
	compressed, err := readString(l.active)
	if err != nil {
		return fmt.Errorf("rdb: compressed blob: %w", err)
	}

	var decompressed []byte
	switch kind {
	case opZstdBlobStart:
		dec, err := zstd.NewReader(bytes.NewReader([]byte(compressed)))
		if err != nil {
			return fmt.Errorf("rdb: zstd init: %w", err)
		}
		decompressed, err = io.ReadAll(dec)
		dec.Close()
		if err != nil {
			return fmt.Errorf("rdb: zstd decompress: %w", err)
		}
	case opLz4BlobStart:
		decompressed, err = io.ReadAll(lz4.NewReader(bytes.NewReader([]byte(compressed))))
		if err != nil {
			return fmt.Errorf("rdb: lz4 decompress: %w", err)
		}
	}

	region := make([]byte, len(decompressed)+1)
	copy(region, decompressed)
	region[len(decompressed)] = opBlobEnd
	l.active = bufio.NewReader(bytes.NewReader(region))
	return nil
}

// countingReader tracks raw bytes pulled from the source.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
