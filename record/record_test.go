package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/shardstore/chunk"
)

func writeRecords(t *testing.T, path string, opts WriterOptions, records [][]byte) {
	t.Helper()
	w, err := NewWriter(path, opts)
	assert.NoError(t, err)
	for _, r := range records {
		assert.NoError(t, w.WriteRecord(r))
	}
	assert.NoError(t, w.Close())
}

func readAll(t *testing.T, path string, policy CorruptionPolicy) ([][]byte, error) {
	t.Helper()
	r, err := NewReader(path, policy)
	assert.NoError(t, err)
	defer r.Close()
	var res [][]byte
	for {
		rec, err := r.NextRecord()
		if err != nil {
			return res, err
		}
		if rec == nil {
			return res, nil
		}
		res = append(res, rec)
	}
}

func TestThreeRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	records := [][]byte{
		[]byte("Record 1"),
		[]byte("Record 2"),
		[]byte("Record 3"),
	}
	writeRecords(t, path, WriterOptions{}, records)

	n, err := CountRecords(path, PolicyError)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := readAll(t, path, PolicyError)
	assert.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestRoundTripBothCodecs(t *testing.T) {
	for _, comp := range []chunk.Compression{chunk.CompressionNone, chunk.CompressionZstd} {
		t.Run(comp.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "recs")
			var records [][]byte
			for i := 0; i < 100; i++ {
				records = append(records, []byte(fmt.Sprintf("record number %d", i)))
			}
			records = append(records, []byte{}) // empty record
			writeRecords(t, path, WriterOptions{Compression: comp}, records)
			got, err := readAll(t, path, PolicyError)
			assert.NoError(t, err)
			assert.Equal(t, len(records), len(got))
			for i := range records {
				assert.Equal(t, records[i], got[i])
			}
		})
	}
}

func TestFlushThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	w, err := NewWriter(path, WriterOptions{})
	assert.NoError(t, err)
	assert.NoError(t, w.WriteRecord([]byte("before flush")))
	assert.NoError(t, w.Flush())

	// flushed records are readable before the writer closes
	n, err := CountRecords(path, PolicyError)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoError(t, w.WriteRecord([]byte("after flush")))
	assert.NoError(t, w.Close())

	got, err := readAll(t, path, PolicyError)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(got))
}

func TestAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	writeRecords(t, path, WriterOptions{}, [][]byte{[]byte("one")})
	writeRecords(t, path, WriterOptions{Append: true}, [][]byte{[]byte("two")})

	got, err := readAll(t, path, PolicyError)
	assert.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)

	// truncate mode starts the file over
	writeRecords(t, path, WriterOptions{}, [][]byte{[]byte("three")})
	got, err = readAll(t, path, PolicyError)
	assert.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("three")}, got)
}

func TestAppendBytesWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	writeRecords(t, path, WriterOptions{}, [][]byte{make([]byte, 1024)})
	st, err := os.Stat(path)
	assert.NoError(t, err)
	size := st.Size()
	assert.True(t, size > 0)

	// appending starts the byte count at the existing file size
	w, err := NewWriter(path, WriterOptions{Append: true})
	assert.NoError(t, err)
	defer w.Close()
	assert.Equal(t, size, w.BytesWritten())
}

func TestWriteRecordTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	w, err := NewWriter(path, WriterOptions{})
	assert.NoError(t, err)
	defer w.Close()

	err = w.WriteRecord(make([]byte, chunk.MaxPayloadLen))
	assert.True(t, errors.Is(err, chunk.ErrChunkTooLarge))

	// the rejected record buffers nothing; the writer keeps working
	assert.NoError(t, w.WriteRecord([]byte("small")))
	assert.NoError(t, w.Close())
	got, err := readAll(t, path, PolicyError)
	assert.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("small")}, got)
}

func TestWriterClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	w, err := NewWriter(path, WriterOptions{})
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close()) // second close is a no-op

	err = w.WriteRecord([]byte("x"))
	assert.True(t, errors.Is(err, ErrWriterClosed))
	err = w.Flush()
	assert.True(t, errors.Is(err, ErrWriterClosed))
}

func TestReaderClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	writeRecords(t, path, WriterOptions{}, [][]byte{[]byte("x")})
	r, err := NewReader(path, PolicyError)
	assert.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	_, err = r.NextRecord()
	assert.True(t, errors.Is(err, ErrReaderClosed))
}

// writeChunked writes records in many small chunks so corruption tests can
// target one chunk without touching its neighbors.
func writeChunked(t *testing.T, path string, numRecords int) [][]byte {
	t.Helper()
	var records [][]byte
	for i := 0; i < numRecords; i++ {
		records = append(records, []byte(fmt.Sprintf("payload-%04d-%s", i, "0123456789abcdef")))
	}
	// ~32 records of ~32 bytes per chunk
	writeRecords(t, path, WriterOptions{ChunkSize: 1024}, records)
	return records
}

func corruptByteAt(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	assert.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	assert.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, off)
	assert.NoError(t, err)
}

func TestCorruptionErrorPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	writeChunked(t, path, 200)
	// inside the first chunk's payload
	corruptByteAt(t, path, chunk.HeaderSize+100)

	got, err := readAll(t, path, PolicyError)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, chunk.ErrChunkCorrupt))
	assert.Equal(t, 0, len(got))

	// the failure is sticky: the reader stays failed
	r, rerr := NewReader(path, PolicyError)
	assert.NoError(t, rerr)
	defer r.Close()
	_, err1 := r.NextRecord()
	assert.Error(t, err1)
	_, err2 := r.NextRecord()
	assert.Equal(t, err1, err2)
}

func TestCorruptionRecoverPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	records := writeChunked(t, path, 200)

	// find the second chunk's boundaries so we know the exact loss
	f, err := OpenRead(path)
	assert.NoError(t, err)
	h1, _, err := f.ReadNextChunk()
	assert.NoError(t, err)
	firstLen := int(h1.RecordCount)
	second := f.Offset()
	h2, _, err := f.ReadNextChunk()
	assert.NoError(t, err)
	secondLen := int(h2.RecordCount)
	assert.NoError(t, f.Close())

	corruptByteAt(t, path, second+chunk.HeaderSize+10)

	got, gerr := readAll(t, path, PolicyRecover)
	assert.NoError(t, gerr)
	// loss is exactly the corrupted chunk's declared record count
	assert.Equal(t, len(records)-secondLen, len(got))
	// records around the lost chunk are intact and in order
	assert.Equal(t, records[:firstLen], got[:firstLen])
	assert.Equal(t, records[firstLen+secondLen:], got[firstLen:])

	n, err := CountRecords(path, PolicyRecover)
	assert.NoError(t, err)
	assert.Equal(t, len(got), n)
}

func TestCorruptHeaderRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	records := writeChunked(t, path, 200)

	f, err := OpenRead(path)
	assert.NoError(t, err)
	h1, _, err := f.ReadNextChunk()
	assert.NoError(t, err)
	second := f.Offset()
	h2, _, err := f.ReadNextChunk()
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	// smash the second chunk's magic; recovery has to re-sync by scanning
	corruptByteAt(t, path, second)

	got, gerr := readAll(t, path, PolicyRecover)
	assert.NoError(t, gerr)
	assert.Equal(t, int(h1.RecordCount), copyCount(records, got[:h1.RecordCount]))
	assert.Equal(t, len(records)-int(h2.RecordCount), len(got))
}

// copyCount returns how many of got match the same position in want.
func copyCount(want, got [][]byte) int {
	n := 0
	for i := range got {
		if i < len(want) && string(want[i]) == string(got[i]) {
			n++
		}
	}
	return n
}

func TestTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	writeRecords(t, path, WriterOptions{ChunkSize: 1024}, [][]byte{
		[]byte("complete record"),
	})
	// simulate a writer crash: append half a header
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.NoError(t, err)
	_, err = f.Write(chunk.Magic[:3])
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	// a tail shorter than one header is clean EOF, earlier chunks intact
	got, gerr := readAll(t, path, PolicyError)
	assert.NoError(t, gerr)
	assert.Equal(t, 1, len(got))
}

func TestTruncatedChunkPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs")
	writeRecords(t, path, WriterOptions{}, [][]byte{[]byte("first")})

	// append a header that declares more payload than follows
	full, err := chunk.Encode([][]byte{[]byte("second record")}, chunk.CompressionNone)
	assert.NoError(t, err)
	f, ferr := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.NoError(t, ferr)
	_, err = f.Write(full[:len(full)-5])
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	// Error policy surfaces the truncation
	_, gerr := readAll(t, path, PolicyError)
	assert.True(t, errors.Is(gerr, chunk.ErrChunkCorrupt))

	// Recover policy keeps what precedes it
	got, gerr := readAll(t, path, PolicyRecover)
	assert.NoError(t, gerr)
	assert.Equal(t, [][]byte{[]byte("first")}, got)
}
