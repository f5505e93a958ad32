package chunk

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the codec applied to a chunk payload.
type Compression uint8

const (
	// CompressionNone stores the payload byte-identical.
	CompressionNone Compression = 0
	// CompressionZstd compresses the payload with zstd.
	CompressionZstd Compression = 1
)

// ParseCompression maps a codec name to a Compression. The empty string
// means no compression. Unknown names fail with ErrUnsupportedCompression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("%w: %q (supported: \"none\", \"zstd\")", ErrUnsupportedCompression, name)
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

func zstdCompress(d []byte) ([]byte, error) {
	var dst bytes.Buffer
	// chunks are ~1 MB and written on flush boundaries, so favoring ratio
	// over encoder setup cost works out
	w, err := zstd.NewWriter(&dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(d); err != nil {
		w.Close()
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}

func zstdDecompress(d []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(d))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
