// Package chunk implements the on-disk chunk format: a bounded batch of
// records serialized with a fixed binary header, an xxhash64 checksum and
// optional zstd compression.
//
// Wire format (all integers little-endian):
//
//	magic            [4]byte  "SCH1"
//	codec            uint8    0 = none, 1 = zstd
//	record count     uint32
//	uncompressed len uint32
//	stored len       uint32
//	checksum         uint64   xxhash64 of the stored payload
//
// The payload is the records concatenated, each prefixed with a uint32
// length, compressed as a whole if the codec says so. The checksum covers
// the payload exactly as stored in the file, so corruption is detected
// before any decompression is attempted.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrChunkCorrupt means a chunk failed checksum or structural
	// validation. Only this chunk is affected; the rest of the file may
	// still be readable.
	ErrChunkCorrupt = errors.New("chunk is corrupt")

	// ErrUnsupportedCompression means an unknown codec name or id.
	ErrUnsupportedCompression = errors.New("unsupported compression")

	// ErrChunkTooLarge means a record or payload exceeds what a chunk can
	// hold. Reported at encode time; an oversized chunk is never written.
	ErrChunkTooLarge = errors.New("chunk too large")
)

// Magic starts every chunk on disk. Readers re-sync on it after
// encountering a damaged header.
var Magic = [4]byte{'S', 'C', 'H', '1'}

// HeaderSize is the fixed size of a chunk header in bytes.
const HeaderSize = 4 + 1 + 4 + 4 + 4 + 8

// MaxPayloadLen caps a chunk's payload, before and after compression. On
// decode anything declaring more is treated as structural corruption
// rather than an allocation request; Encode refuses to produce such a
// chunk in the first place.
const MaxPayloadLen = 1 << 30

// Header is the decoded fixed-layout chunk header.
type Header struct {
	Codec           Compression
	RecordCount     uint32
	UncompressedLen uint32
	// StoredLen is the payload size as written, after compression.
	// Equals UncompressedLen when Codec is CompressionNone.
	StoredLen uint32
	Checksum  uint64
}

// Encode serializes records into a single chunk: length-prefixed payload,
// optional compression, checksum, header.
func Encode(records [][]byte, c Compression) ([]byte, error) {
	if c != CompressionNone && c != CompressionZstd {
		return nil, fmt.Errorf("%w: codec id %d", ErrUnsupportedCompression, c)
	}

	n := 0
	for _, r := range records {
		if len(r) > MaxPayloadLen {
			return nil, fmt.Errorf("%w: record is %d bytes, max %d", ErrChunkTooLarge, len(r), MaxPayloadLen)
		}
		n += 4 + len(r)
	}
	if n > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, max %d", ErrChunkTooLarge, n, MaxPayloadLen)
	}
	payload := make([]byte, 0, n)
	var lenBuf [4]byte
	for _, r := range records {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r)))
		payload = append(payload, lenBuf[:]...)
		payload = append(payload, r...)
	}

	stored := payload
	if c == CompressionZstd {
		var err error
		stored, err = zstdCompress(payload)
		if err != nil {
			return nil, err
		}
		// incompressible data can grow slightly past the payload cap
		if len(stored) > MaxPayloadLen {
			return nil, fmt.Errorf("%w: compressed payload is %d bytes, max %d", ErrChunkTooLarge, len(stored), MaxPayloadLen)
		}
	}

	buf := make([]byte, HeaderSize+len(stored))
	copy(buf[0:4], Magic[:])
	buf[4] = byte(c)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(records)))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(stored)))
	binary.LittleEndian.PutUint64(buf[17:25], xxhash.Sum64(stored))
	copy(buf[HeaderSize:], stored)
	return buf, nil
}

// ParseHeader decodes and sanity-checks a fixed-layout header.
// b must be at least HeaderSize bytes. Returns an error wrapping
// ErrChunkCorrupt if the header cannot belong to a well-formed chunk.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: short header (%d bytes)", ErrChunkCorrupt, len(b))
	}
	if [4]byte(b[0:4]) != Magic {
		return h, fmt.Errorf("%w: bad magic %q", ErrChunkCorrupt, b[0:4])
	}
	h.Codec = Compression(b[4])
	if h.Codec != CompressionNone && h.Codec != CompressionZstd {
		return h, fmt.Errorf("%w: unknown codec id %d", ErrChunkCorrupt, b[4])
	}
	h.RecordCount = binary.LittleEndian.Uint32(b[5:9])
	h.UncompressedLen = binary.LittleEndian.Uint32(b[9:13])
	h.StoredLen = binary.LittleEndian.Uint32(b[13:17])
	h.Checksum = binary.LittleEndian.Uint64(b[17:25])

	if h.UncompressedLen > MaxPayloadLen || h.StoredLen > MaxPayloadLen {
		return h, fmt.Errorf("%w: declared size too large (%d/%d)", ErrChunkCorrupt, h.UncompressedLen, h.StoredLen)
	}
	// each record costs at least its 4-byte length prefix
	if uint64(h.RecordCount)*4 > uint64(h.UncompressedLen) {
		return h, fmt.Errorf("%w: %d records cannot fit in %d bytes", ErrChunkCorrupt, h.RecordCount, h.UncompressedLen)
	}
	return h, nil
}

// DecodePayload verifies stored against h and splits it back into records.
// The returned slices alias a freshly allocated buffer (or stored itself
// for the passthrough codec), so callers own them.
func DecodePayload(h Header, stored []byte) ([][]byte, error) {
	if uint32(len(stored)) != h.StoredLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, header declares %d", ErrChunkCorrupt, len(stored), h.StoredLen)
	}
	if xxhash.Sum64(stored) != h.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrChunkCorrupt)
	}

	data := stored
	if h.Codec == CompressionZstd {
		var err error
		data, err = zstdDecompress(stored)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrChunkCorrupt, err)
		}
	}
	if uint32(len(data)) != h.UncompressedLen {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, header declares %d", ErrChunkCorrupt, len(data), h.UncompressedLen)
	}

	records := make([][]byte, 0, h.RecordCount)
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrChunkCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if n > len(data)-off {
			return nil, fmt.Errorf("%w: record length %d exceeds payload", ErrChunkCorrupt, n)
		}
		records = append(records, data[off:off+n])
		off += n
	}
	if uint32(len(records)) != h.RecordCount {
		return nil, fmt.Errorf("%w: decoded %d records, header declares %d", ErrChunkCorrupt, len(records), h.RecordCount)
	}
	return records, nil
}

// Decode parses one whole chunk (header plus payload) from b.
func Decode(b []byte) ([][]byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	rest := b[HeaderSize:]
	if uint32(len(rest)) < h.StoredLen {
		return nil, fmt.Errorf("%w: truncated payload", ErrChunkCorrupt)
	}
	return DecodePayload(h, rest[:h.StoredLen])
}
