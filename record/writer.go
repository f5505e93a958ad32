package record

import (
	"fmt"

	"github.com/kjk/shardstore/chunk"
	"github.com/kjk/shardstore/u"
)

// DefaultChunkSize is how much uncompressed record data accumulates
// before a chunk is sealed and written out.
const DefaultChunkSize = 1 << 20

// WriterOptions configure a single-shard Writer. The zero value means no
// compression, the default chunk size and truncate-on-open.
type WriterOptions struct {
	Compression chunk.Compression
	// ChunkSize is the uncompressed byte threshold that seals a chunk.
	ChunkSize int
	// Append keeps existing file content instead of truncating.
	Append bool
}

// Writer buffers records into the current chunk and flushes whole chunks
// to one shard file. Records never hit the disk individually; the chunk is
// the unit of I/O. Not safe for concurrent use.
type Writer struct {
	f    *File
	opts WriterOptions

	pending     [][]byte
	pendingSize int
	written     int64
	closed      bool
}

// NewWriter opens path and returns a Writer over it.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	var f *File
	var err error
	if opts.Append {
		f, err = OpenAppend(path)
	} else {
		f, err = OpenTrunc(path)
	}
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, opts: opts}
	if opts.Append && u.PathExists(path) {
		// existing content counts toward the file's size cap
		w.written = u.FileSize(path)
	}
	return w, nil
}

// Path returns the shard file path.
func (w *Writer) Path() string {
	return w.f.Path()
}

// WriteRecord appends data to the pending chunk. When accumulated record
// data crosses the chunk threshold, the chunk is sealed and written.
// Records too large for a single chunk are rejected up front, before
// anything is buffered.
func (w *Writer) WriteRecord(data []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if 4+len(data) > chunk.MaxPayloadLen {
		return fmt.Errorf("%w: record is %d bytes", chunk.ErrChunkTooLarge, len(data))
	}
	// seal early if adding this record would overflow the chunk payload
	if w.pendingSize+4*len(w.pending)+4+len(data) > chunk.MaxPayloadLen {
		if err := w.flushChunk(); err != nil {
			return err
		}
	}
	// the caller may reuse its buffer before the chunk is sealed
	d := append([]byte(nil), data...)
	w.pending = append(w.pending, d)
	w.pendingSize += len(d)
	if w.pendingSize >= w.opts.ChunkSize {
		return w.flushChunk()
	}
	return nil
}

// flushChunk seals the pending records into a chunk and writes it.
func (w *Writer) flushChunk() error {
	if len(w.pending) == 0 {
		return nil
	}
	b, err := chunk.Encode(w.pending, w.opts.Compression)
	if err != nil {
		return err
	}
	if err := w.f.WriteChunk(b); err != nil {
		return err
	}
	w.written += int64(len(b))
	w.pending = w.pending[:0]
	w.pendingSize = 0
	return nil
}

// Flush seals and writes the current chunk, even undersized, and syncs the
// file. No record accepted before Flush returns can be lost afterwards.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushChunk(); err != nil {
		return err
	}
	return w.f.Sync()
}

// BytesWritten returns the sealed size of the file: chunk bytes written
// so far plus, in append mode, the content the file already had. Pending
// unsealed records are not counted.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// Close flushes the pending chunk and closes the file. A second Close is
// a no-op; WriteRecord and Flush after Close report ErrWriterClosed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.flushChunk()
	if serr := w.f.Sync(); err == nil {
		err = serr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
