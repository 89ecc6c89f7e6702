package rdb

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
	lzf "github.com/zhuyie/golzf"
)

type recordSink struct {
	selects []int
	sets    []setOp
	cmds    [][]string
}

type setOp struct {
	key, value string
	expireAt   int64
}

func (s *recordSink) Select(db int) { s.selects = append(s.selects, db) }
func (s *recordSink) Set(key, value string, expireAtMs int64) {
	s.sets = append(s.sets, setOp{key, value, expireAtMs})
}
func (s *recordSink) Command(args []string) { s.cmds = append(s.cmds, args) }

func encLen(n uint64) []byte {
	switch {
	case n < 1<<6:
		return []byte{byte(n)}
	case n < 1<<14:
		return []byte{byte(0x40 | n>>8), byte(n)}
	default:
		out := make([]byte, 5)
		out[0] = len32Bit
		binary.BigEndian.PutUint32(out[1:], uint32(n))
		return out
	}
}

func encString(s string) []byte {
	return append(encLen(uint64(len(s))), s...)
}

func buildSnapshot(t *testing.T, body ...[]byte) []byte {
	t.Helper()
	out := []byte("REDIS0011")
	for _, b := range body {
		out = append(out, b...)
	}
	out = append(out, opEOF)
	out = append(out, make([]byte, 8)...) // checksum, not verified
	return out
}

func TestLoadStringsAndExpiry(t *testing.T) {
	var body []byte
	// aux field, db select, resize hints
	body = append(body, opAux)
	body = append(body, encString("redis-ver")...)
	body = append(body, encString("7.4")...)
	body = append(body, opSelectDB)
	body = append(body, encLen(2)...)
	body = append(body, opResizeDB)
	body = append(body, encLen(4)...)
	body = append(body, encLen(1)...)
	// expiring key
	body = append(body, opExpireTimeMS)
	expire := make([]byte, 8)
	binary.LittleEndian.PutUint64(expire, 1754000000000)
	body = append(body, expire...)
	body = append(body, typeString)
	body = append(body, encString("session")...)
	body = append(body, encString("tok")...)
	// plain key, expiry must have been reset
	body = append(body, typeString)
	body = append(body, encString("color")...)
	body = append(body, encString("blue")...)
	// integer-encoded value
	body = append(body, typeString)
	body = append(body, encString("count")...)
	body = append(body, 0xC0, 42) // int8 encoding

	snap := buildSnapshot(t, body)
	extra := []byte("TRAILING-STREAM-BYTES")

	sink := &recordSink{}
	l := NewLoader(sink)
	require.NoError(t, l.Load(bytes.NewReader(append(append([]byte(nil), snap...), extra...))))

	require.Equal(t, []int{2}, sink.selects)
	require.Equal(t, []setOp{
		{"session", "tok", 1754000000000},
		{"color", "blue", 0},
		{"count", "42", 0},
	}, sink.sets)
	require.Equal(t, int64(len(snap)), l.BytesRead())
	require.Equal(t, extra, l.Leftover())
}

func TestLoadLZFString(t *testing.T) {
	raw := bytes.Repeat([]byte("abcd"), 64)
	compressed := make([]byte, len(raw)+64)
	n, err := lzf.Compress(raw, compressed)
	require.NoError(t, err)

	var body []byte
	body = append(body, typeString)
	body = append(body, encString("big")...)
	body = append(body, 0xC3) // LZF encoding marker
	body = append(body, encLen(uint64(n))...)
	body = append(body, encLen(uint64(len(raw)))...)
	body = append(body, compressed[:n]...)

	sink := &recordSink{}
	l := NewLoader(sink)
	require.NoError(t, l.Load(bytes.NewReader(buildSnapshot(t, body))))
	require.Len(t, sink.sets, 1)
	require.Equal(t, string(raw), sink.sets[0].value)
}

func TestLoadSourceLimit(t *testing.T) {
	var body []byte
	body = append(body, typeString)
	body = append(body, encString("k")...)
	body = append(body, encString("v")...)
	snap := buildSnapshot(t, body)

	sink := &recordSink{}
	l := NewLoader(sink)
	l.SetSourceLimit(int64(len(snap)))
	src := bytes.NewReader(append(append([]byte(nil), snap...), []byte("NOT-SNAPSHOT")...))
	require.NoError(t, l.Load(src))
	require.Equal(t, int64(len(snap)), l.BytesRead())
	require.Empty(t, l.Leftover())
}

func TestLoadLZ4Blob(t *testing.T) {
	var inner []byte
	inner = append(inner, typeString)
	inner = append(inner, encString("packed")...)
	inner = append(inner, encString("value")...)

	var comp bytes.Buffer
	zw := lz4.NewWriter(&comp)
	_, err := zw.Write(inner)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var body []byte
	body = append(body, opLz4BlobStart)
	body = append(body, encString(comp.String())...)

	sink := &recordSink{}
	l := NewLoader(sink)
	require.NoError(t, l.Load(bytes.NewReader(buildSnapshot(t, body))))
	require.Equal(t, []setOp{{"packed", "value", 0}}, sink.sets)
}

func TestLoadZstdBlob(t *testing.T) {
	var inner []byte
	inner = append(inner, typeString)
	inner = append(inner, encString("zk")...)
	inner = append(inner, encString("zv")...)

	var comp bytes.Buffer
	zw, err := zstd.NewWriter(&comp)
	require.NoError(t, err)
	_, err = zw.Write(inner)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var body []byte
	body = append(body, opZstdBlobStart)
	body = append(body, encString(comp.String())...)

	sink := &recordSink{}
	l := NewLoader(sink)
	require.NoError(t, l.Load(bytes.NewReader(buildSnapshot(t, body))))
	require.Equal(t, []setOp{{"zk", "zv", 0}}, sink.sets)
}

func TestLoadJournalBlob(t *testing.T) {
	var entry []byte
	entry = append(entry, journalOpCommand)
	entry = append(entry, encLen(7)...)  // txid
	entry = append(entry, encLen(1)...)  // shard count
	entry = append(entry, encLen(3)...)  // elements incl. command name
	entry = append(entry, encLen(11)...) // total payload size, unused
	entry = append(entry, encString("SET")...)
	entry = append(entry, encString("jk")...)
	entry = append(entry, encString("jv")...)

	var body []byte
	body = append(body, opJournalBlob)
	body = append(body, encLen(1)...)
	body = append(body, encString(string(entry))...)

	sink := &recordSink{}
	l := NewLoader(sink)
	require.NoError(t, l.Load(bytes.NewReader(buildSnapshot(t, body))))
	require.Equal(t, [][]string{{"SET", "jk", "jv"}}, sink.cmds)
}

func TestLoadFullSyncEndTerminator(t *testing.T) {
	out := []byte("REDIS0011")
	out = append(out, typeString)
	out = append(out, encString("fk")...)
	out = append(out, encString("fv")...)
	out = append(out, opFullSyncEnd)
	out = append(out, make([]byte, 8)...)
	token := bytes.Repeat([]byte("T"), 40)
	out = append(out, token...)

	sink := &recordSink{}
	l := NewLoader(sink)
	require.NoError(t, l.Load(bytes.NewReader(out)))
	require.Equal(t, []setOp{{"fk", "fv", 0}}, sink.sets)
	require.Equal(t, int64(len(out)-40), l.BytesRead())
	require.Equal(t, token, l.Leftover())
}

func TestLoadBadMagic(t *testing.T) {
	l := NewLoader(&recordSink{})
	require.Error(t, l.Load(bytes.NewReader([]byte("RUBBISH00\xff"))))
}

func TestLoadUnsupportedType(t *testing.T) {
	var body []byte
	body = append(body, 0x07) // module type, not supported
	body = append(body, encString("mk")...)
	l := NewLoader(&recordSink{})
	require.Error(t, l.Load(bytes.NewReader(buildSnapshot(t, body))))
}
