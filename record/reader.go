package record

import (
	"errors"
	"fmt"
	"io"

	"github.com/kjk/shardstore/chunk"
	"github.com/kjk/shardstore/log"
)

// CorruptionPolicy decides what a Reader does when a chunk fails
// validation.
type CorruptionPolicy int

const (
	// PolicyError fails the read and halts the reader on the first
	// corrupt chunk.
	PolicyError CorruptionPolicy = iota
	// PolicyRecover drops the corrupt chunk (all of its records), logs a
	// warning and continues with the next chunk.
	PolicyRecover
)

// Reader decodes records from one shard file in write order.
//
// A reader is either open, exhausted (clean end of file) or failed.
// Under PolicyError the first corrupt chunk moves it to failed and every
// later call returns the same error, even if chunks after the corrupt one
// are intact.
type Reader struct {
	f      *File
	policy CorruptionPolicy

	buffered [][]byte
	next     int
	err      error
	done     bool
	closed   bool
}

// NewReader opens path for reading with the given corruption policy.
func NewReader(path string, policy CorruptionPolicy) (*Reader, error) {
	f, err := OpenRead(path)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, policy: policy}, nil
}

// Path returns the shard file path.
func (r *Reader) Path() string {
	return r.f.Path()
}

// NextRecord returns the next record, or (nil, nil) once the file is
// exhausted.
func (r *Reader) NextRecord() ([]byte, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}
	if r.err != nil {
		return nil, r.err
	}
	for {
		if r.next < len(r.buffered) {
			rec := r.buffered[r.next]
			r.next++
			return rec, nil
		}
		if r.done {
			return nil, nil
		}

		off := r.f.Offset()
		h, payload, err := r.f.ReadNextChunk()
		if err == io.EOF {
			r.done = true
			return nil, nil
		}
		if err != nil {
			if err = r.handleCorrupt(h, off, err, payload == nil); err != nil {
				return nil, err
			}
			continue
		}

		records, err := chunk.DecodePayload(h, payload)
		if err != nil {
			if err = r.handleCorrupt(h, off, err, false); err != nil {
				return nil, err
			}
			continue
		}
		r.buffered = records
		r.next = 0
	}
}

// handleCorrupt applies the corruption policy to a failed chunk at offset
// off. headerDamaged means the chunk's length is unknown, so recovery
// has to scan for the next chunk boundary. Returns nil if reading should
// continue with the next chunk.
func (r *Reader) handleCorrupt(h chunk.Header, off int64, err error, headerDamaged bool) error {
	if !errors.Is(err, chunk.ErrChunkCorrupt) {
		// IO failures always propagate, never retried
		r.err = err
		return r.err
	}
	if r.policy == PolicyError {
		r.err = fmt.Errorf("%s at offset %d: %w", r.f.Path(), off, err)
		return r.err
	}
	log.Logger().Warn("skipping corrupt chunk",
		"path", r.f.Path(), "offset", off, "records_lost", h.RecordCount, "err", err)
	if headerDamaged {
		if rerr := r.f.Resync(); rerr != nil {
			if rerr == io.EOF {
				r.done = true
				return nil
			}
			r.err = rerr
			return r.err
		}
	}
	return nil
}

// Close closes the underlying file. Safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.buffered = nil
	return r.f.Close()
}

// CountRecords streams through the shard file at path and returns how
// many records it holds, applying policy to corrupt chunks. Decoded
// payloads are discarded chunk by chunk, so memory stays bounded by one
// chunk regardless of file size.
func CountRecords(path string, policy CorruptionPolicy) (int, error) {
	r, err := NewReader(path, policy)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	for {
		rec, err := r.NextRecord()
		if err != nil {
			return count, err
		}
		if rec == nil {
			return count, nil
		}
		count++
	}
}
