package rdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Journal blobs carry writes that happened while the snapshot was being
// produced. Each blob is [entry-count][length-prefixed payload]; the payload
// is a sequence of journal entries that must be applied in order for the
// snapshot to be consistent.

func (l *Loader) readJournalBlob() error {
	numEntries, _, err := readLength(l.active)
	if err != nil {
		return fmt.Errorf("rdb: journal blob count: %w", err)
	}
	blob, err := readString(l.active)
	if err != nil {
		return fmt.Errorf("rdb: journal blob payload: %w", err)
	}
	if len(blob) == 0 {
		return nil
	}

	br := bufio.NewReader(strings.NewReader(blob))
	for i := uint64(0); i < numEntries; i++ {
		if err := l.readJournalEntry(br); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("rdb: journal entry %d/%d: %w", i+1, numEntries, err)
		}
	}
	return nil
}

func (l *Loader) readJournalEntry(br *bufio.Reader) error {
	op, err := br.ReadByte()
	if err != nil {
		return err
	}
	switch op {
	case journalOpSelect:
		db, _, err := readLength(br)
		if err != nil {
			return fmt.Errorf("select db: %w", err)
		}
		l.currentDB = int(db)
		l.sink.Select(l.currentDB)
		return nil
	case journalOpLSN:
		_, _, err := readLength(br)
		return err
	case journalOpPing:
		return nil
	case journalOpCommand, journalOpExpired:
		// txid, shard count
		for i := 0; i < 2; i++ {
			if _, _, err := readLength(br); err != nil {
				return err
			}
		}
		numElems, _, err := readLength(br)
		if err != nil {
			return err
		}
		if numElems == 0 {
			return nil
		}
		// total payload size, unused
		if _, _, err := readLength(br); err != nil {
			return err
		}
		args := make([]string, 0, numElems)
		for i := uint64(0); i < numElems; i++ {
			arg, err := readPackedString(br)
			if err != nil {
				return err
			}
			args = append(args, arg)
		}
		l.sink.Command(args)
		return nil
	default:
		return fmt.Errorf("unknown journal opcode %d", op)
	}
}

// readPackedString reads a length-prefixed raw string. Unlike readString the
// journal format never uses the special integer/LZF encodings.
func readPackedString(br *bufio.Reader) (string, error) {
	length, special, err := readLength(br)
	if err != nil {
		return "", err
	}
	if special {
		return "", fmt.Errorf("unexpected special encoding in journal string")
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
