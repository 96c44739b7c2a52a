package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// OpType represents the type of WAL operation
type OpType byte

const (
	// OpUpsert carries the full state of an entity after a write
	OpUpsert OpType = 1

	// OpDelete removes an entity
	OpDelete OpType = 2

	// OpCommit marks the end of a transaction
	OpCommit OpType = 3

	// OpCheckpoint marks a complete dump; its payload holds the dump's start LSN
	OpCheckpoint OpType = 4
)

func (op OpType) String() string {
	switch op {
	case OpUpsert:
		return "UPSERT"
	case OpDelete:
		return "DELETE"
	case OpCommit:
		return "COMMIT"
	case OpCheckpoint:
		return "CHECKPOINT"
	}
	return "UNKNOWN"
}

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + TxnID(8) + OpType(1) + Reserved(3) + CollLen(4) + PrimaryKey(8) + PayloadLen(4) + Timestamp(8)
	EntryHeaderSize = 44
)

// Entry is a single journal record
type Entry struct {
	LSN        uint64
	TxnID      uint64
	Op         OpType
	Collection string
	PrimaryKey int64
	Payload    []byte
	Timestamp  time.Time
}

// Encode serializes the entry with a trailing CRC32
// Format: [Header(44)] [Collection] [Payload] [CRC32(4)]
func (e *Entry) Encode() []byte {
	collLen := len(e.Collection)
	payloadLen := len(e.Payload)
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxnID)
	buf[16] = byte(e.Op)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(collLen))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(e.PrimaryKey))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(e.Timestamp.UnixNano()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Collection)
	offset += collLen
	copy(buf[offset:], e.Payload)
	offset += payloadLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)
	return buf
}

// DecodeEntry deserializes an entry and verifies its checksum
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}
	collLen, payloadLen := bodyLengths(data[:EntryHeaderSize])
	expected := EntryHeaderSize + collLen + payloadLen + 4
	if len(data) < expected {
		return nil, ErrTruncated
	}
	data = data[:expected]

	stored := binary.LittleEndian.Uint32(data[expected-4:])
	if stored != crc32.ChecksumIEEE(data[:expected-4]) {
		return nil, ErrCorrupted
	}

	e := &Entry{
		LSN:        binary.LittleEndian.Uint64(data[0:8]),
		TxnID:      binary.LittleEndian.Uint64(data[8:16]),
		Op:         OpType(data[16]),
		PrimaryKey: int64(binary.LittleEndian.Uint64(data[24:32])),
		Timestamp:  time.Unix(0, int64(binary.LittleEndian.Uint64(data[36:44]))),
	}
	offset := EntryHeaderSize
	e.Collection = string(data[offset : offset+collLen])
	offset += collLen
	if payloadLen > 0 {
		e.Payload = make([]byte, payloadLen)
		copy(e.Payload, data[offset:offset+payloadLen])
	}
	return e, nil
}

func bodyLengths(header []byte) (collLen, payloadLen int) {
	return int(binary.LittleEndian.Uint32(header[20:24])), int(binary.LittleEndian.Uint32(header[32:36]))
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Collection) + len(e.Payload) + 4
}

// RedoLSN returns the dump start LSN stored in a checkpoint entry
func (e *Entry) RedoLSN() uint64 {
	if e.Op != OpCheckpoint || len(e.Payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(e.Payload)
}

func checkpointPayload(redo uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, redo)
	return buf
}

func (e *Entry) String() string {
	return fmt.Sprintf("WAL[LSN=%d TxnID=%d Op=%s Collection=%s PK=%d PayloadLen=%d]",
		e.LSN, e.TxnID, e.Op, e.Collection, e.PrimaryKey, len(e.Payload))
}
