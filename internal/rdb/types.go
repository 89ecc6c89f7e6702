package rdb

// Stream opcodes. The 0xC8..0xD3 range is Dragonfly-specific framing layered
// on top of the classic RDB opcodes.
const (
	opExpireTimeMS = 0xFC // absolute expiry, 8-byte little-endian ms
	opExpireTime   = 0xFD // absolute expiry, 4-byte little-endian s
	opSelectDB     = 0xFE
	opResizeDB     = 0xFB
	opAux          = 0xFA
	opEOF          = 0xFF // terminator + 8-byte checksum

	opFullSyncEnd   = 0xC8 // terminator + 8 zero bytes
	opZstdBlobStart = 0xC9
	opLz4BlobStart  = 0xCA
	opBlobEnd       = 0xCB
	opJournalBlob   = 0xD2
	opJournalOffset = 0xD3 // 8-byte offset marker, ignored
)

// Value type bytes. Only plain strings are materialized; any other type byte
// fails the load with its numeric value in the error.
const (
	typeString = 0
)

// Length-encoding markers. len6Bit, len14Bit and lenEncVal are the top two
// bits of the first byte; len32Bit and len64Bit are whole first-byte values.
const (
	len6Bit   = 0
	len14Bit  = 1
	len32Bit  = 0x80
	len64Bit  = 0x81
	lenEncVal = 3
)

// Special string encodings selected by lenEncVal.
const (
	encInt8 = iota
	encInt16
	encInt32
	encLZF
)

// Journal entry opcodes carried inside opJournalBlob payloads.
const (
	journalOpSelect  = 6
	journalOpExpired = 9
	journalOpCommand = 10
	journalOpPing    = 13
	journalOpLSN     = 15
)
