package wal

import (
	"io"
	"os"
)

// Reader reads WAL entries from log files in order
type Reader struct {
	files   []string
	current int
	fd      *os.File

	// TornEntries counts files whose tail was truncated or corrupted
	TornEntries int
}

// NewReader creates a WAL reader for the given log files
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open opens the first file
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}
	fd, err := os.Open(r.files[0])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Next returns the next entry or io.EOF when every file is exhausted.
// A truncated or corrupted entry ends its file: everything after a torn
// write is unreliable, so reading continues with the next file.
func (r *Reader) Next() (*Entry, error) {
	for {
		entry, err := r.readEntryFromCurrent()
		if err == nil {
			return entry, nil
		}
		switch err {
		case ErrCorrupted, ErrTruncated, io.ErrUnexpectedEOF:
			r.TornEntries++
		case io.EOF:
		default:
			return nil, err
		}
		if err := r.nextFile(); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) readEntryFromCurrent() (*Entry, error) {
	if r.fd == nil {
		return nil, io.EOF
	}
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.fd, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	collLen, payloadLen := bodyLengths(header)
	if collLen+payloadLen > MaxLogFileSize {
		return nil, ErrCorrupted
	}
	data := make([]byte, EntryHeaderSize+collLen+payloadLen+4)
	copy(data, header)
	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		return nil, ErrTruncated
	}
	return DecodeEntry(data)
}

func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll reads all entries from all files
func ReadAll(files []string) ([]*Entry, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
}
