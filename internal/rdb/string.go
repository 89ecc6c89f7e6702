package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	lzf "github.com/zhuyie/golzf"
)

// readLength decodes the RDB length encoding. isSpecial marks the
// integer/LZF string encodings selected by the two top bits being 11.
func readLength(br *bufio.Reader) (length uint64, isSpecial bool, err error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch (first >> 6) & 0x03 {
	case len6Bit:
		return uint64(first & 0x3F), false, nil
	case len14Bit:
		next, err := br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(first&0x3F)<<8 | uint64(next), false, nil
	case 2:
		switch first {
		case len32Bit:
			var buf [4]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return 0, false, err
			}
			return uint64(binary.BigEndian.Uint32(buf[:])), false, nil
		case len64Bit:
			var buf [8]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return 0, false, err
			}
			return binary.BigEndian.Uint64(buf[:]), false, nil
		}
		return 0, false, fmt.Errorf("rdb: invalid length marker 0x%02x", first)
	default: // lenEncVal
		return uint64(first & 0x3F), true, nil
	}
}

// readString decodes an RDB string: plain, integer-encoded, or LZF.
func readString(br *bufio.Reader) (string, error) {
	length, special, err := readLength(br)
	if err != nil {
		return "", err
	}
	if special {
		return readEncodedString(br, length)
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", fmt.Errorf("rdb: string body: %w", err)
	}
	return string(buf), nil
}

func readEncodedString(br *bufio.Reader, encoding uint64) (string, error) {
	switch encoding {
	case encInt8:
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(int8(b))), nil
	case encInt16:
		var buf [2]byte
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return "", err
		}
		return strconv.Itoa(int(int16(binary.LittleEndian.Uint16(buf[:])))), nil
	case encInt32:
		var buf [4]byte
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return "", err
		}
		return strconv.Itoa(int(int32(binary.LittleEndian.Uint32(buf[:])))), nil
	case encLZF:
		return readLZFString(br)
	default:
		return "", fmt.Errorf("rdb: unsupported string encoding %d", encoding)
	}
}

// readLZFString decodes [compressed-len][original-len][compressed-bytes].
func readLZFString(br *bufio.Reader) (string, error) {
	compressedLen, _, err := readLength(br)
	if err != nil {
		return "", fmt.Errorf("rdb: lzf compressed length: %w", err)
	}
	originalLen, _, err := readLength(br)
	if err != nil {
		return "", fmt.Errorf("rdb: lzf original length: %w", err)
	}
	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(br, compressed); err != nil {
		return "", fmt.Errorf("rdb: lzf payload: %w", err)
	}
	out := make([]byte, originalLen)
	n, err := lzf.Decompress(compressed, out)
	if err != nil {
		return "", fmt.Errorf("rdb: lzf decompress: %w", err)
	}
	if uint64(n) != originalLen {
		return "", fmt.Errorf("rdb: lzf decompressed %d bytes, want %d", n, originalLen)
	}
	return string(out[:n]), nil
}
