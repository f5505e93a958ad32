// Package record reads and writes shard files: append-only sequences of
// checksummed chunks holding opaque byte records. Within one shard file,
// records come back in the order they were written.
package record

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kjk/shardstore/chunk"
)

var (
	// ErrWriterClosed is returned by operations on a closed Writer.
	ErrWriterClosed = errors.New("writer is closed")
	// ErrReaderClosed is returned by operations on a closed Reader.
	ErrReaderClosed = errors.New("reader is closed")
)

// File owns the OS file handle for one shard, in either append or read
// mode. It is not safe for concurrent use; each handle belongs to exactly
// one writer or reader.
type File struct {
	path string
	f    *os.File
	br   *bufio.Reader // read mode only
	off  int64         // read mode: offset of the next unread byte
}

// OpenAppend opens path for appending chunks, creating it if needed.
// Existing content is never truncated.
func OpenAppend(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, f: f}, nil
}

// OpenTrunc opens path for writing chunks, truncating existing content.
func OpenTrunc(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &File{path: path, f: f}, nil
}

// OpenRead opens path for sequential chunk reading.
func OpenRead(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{path: path, f: f, br: bufio.NewReaderSize(f, 64*1024)}, nil
}

// Path returns the file's path.
func (f *File) Path() string {
	return f.path
}

// WriteChunk appends one encoded chunk after the current end of file.
func (f *File) WriteChunk(b []byte) error {
	if f.f == nil {
		return ErrWriterClosed
	}
	_, err := f.f.Write(b)
	return err
}

// Sync flushes file content to stable storage.
func (f *File) Sync() error {
	if f.f == nil {
		return ErrWriterClosed
	}
	return f.f.Sync()
}

// Close closes the underlying file. Safe to call more than once.
func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Offset returns the position of the next unread byte in read mode.
func (f *File) Offset() int64 {
	return f.off
}

// ReadNextChunk reads the header and payload of the next chunk.
//
// Returns io.EOF when fewer bytes than one header remain: a writer crash
// mid-chunk must not turn earlier chunks unreadable, so a short tail is a
// clean end of stream, not an error.
//
// A damaged header is reported with a nil payload; the caller may Resync
// to look for the next chunk boundary. A payload that fails to arrive in
// full is reported as chunk corruption with a nil payload.
func (f *File) ReadNextChunk() (chunk.Header, []byte, error) {
	var hdrBuf [chunk.HeaderSize]byte
	_, err := io.ReadFull(f.br, hdrBuf[:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return chunk.Header{}, nil, io.EOF
	}
	if err != nil {
		return chunk.Header{}, nil, err
	}
	f.off += chunk.HeaderSize

	h, err := chunk.ParseHeader(hdrBuf[:])
	if err != nil {
		return chunk.Header{}, nil, err
	}

	payload := make([]byte, h.StoredLen)
	n, err := io.ReadFull(f.br, payload)
	f.off += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return h, nil, fmt.Errorf("%w: truncated payload, wanted %d bytes got %d", chunk.ErrChunkCorrupt, h.StoredLen, n)
	}
	if err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// Resync scans forward for the next chunk magic and positions the reader
// on it. Returns io.EOF if no further chunk boundary exists.
func (f *File) Resync() error {
	for {
		buf, err := f.br.Peek(64 * 1024)
		if len(buf) < len(chunk.Magic) {
			if err == nil {
				err = io.EOF
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// nothing left to scan, discard the tail
				n, _ := f.br.Discard(len(buf))
				f.off += int64(n)
				return io.EOF
			}
			return err
		}
		if i := bytes.Index(buf, chunk.Magic[:]); i >= 0 {
			n, derr := f.br.Discard(i)
			f.off += int64(n)
			return derr
		}
		// keep the last magic-1 bytes in case the tag straddles reads
		n, derr := f.br.Discard(len(buf) - (len(chunk.Magic) - 1))
		f.off += int64(n)
		if derr != nil {
			return derr
		}
	}
}
