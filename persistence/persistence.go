// Package persistence checkpoints ANN indexes to durable storage. An index
// is serialised with gob and passed through a streaming compression codec;
// a small header records the format version and codec so readers need no
// out-of-band configuration.
package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/bergdb/index/hnsw"
)

// Compression selects the codec applied to the gob stream.
type Compression uint8

const (
	// CompressionZstd is the default codec.
	CompressionZstd Compression = iota
	// CompressionLZ4 trades ratio for speed.
	CompressionLZ4
	// CompressionNone writes the raw gob stream.
	CompressionNone
)

// String returns the codec name.
func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionNone:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

var magic = [4]byte{'B', 'R', 'G', 'I'}

const formatVersion = 1

// Options configure serialisation.
type Options struct {
	// Compression is the codec for the index payload.
	Compression Compression
}

// DefaultOptions are the serialisation parameters used when no overrides
// are given.
var DefaultOptions = Options{
	Compression: CompressionZstd,
}

// SaveHNSW writes the index to w: a 6-byte header (magic, version, codec)
// followed by the compressed gob stream.
func SaveHNSW(w io.Writer, ix *hnsw.Index, optFns ...func(*Options)) error {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	header := []byte{magic[0], magic[1], magic[2], magic[3], formatVersion, byte(opts.Compression)}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("persistence: write header: %w", err)
	}

	switch opts.Compression {
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("persistence: create zstd writer: %w", err)
		}
		if err := gob.NewEncoder(zw).Encode(ix); err != nil {
			zw.Close()
			return fmt.Errorf("persistence: encode index: %w", err)
		}
		return zw.Close()
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		if err := gob.NewEncoder(lw).Encode(ix); err != nil {
			lw.Close()
			return fmt.Errorf("persistence: encode index: %w", err)
		}
		return lw.Close()
	case CompressionNone:
		if err := gob.NewEncoder(w).Encode(ix); err != nil {
			return fmt.Errorf("persistence: encode index: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("persistence: unsupported compression %s", opts.Compression)
	}
}

// LoadHNSW reads an index previously written by SaveHNSW.
func LoadHNSW(r io.Reader) (*hnsw.Index, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("persistence: read header: %w", err)
	}
	if !bytes.Equal(header[:4], magic[:]) {
		return nil, fmt.Errorf("persistence: bad magic %q", header[:4])
	}
	if header[4] != formatVersion {
		return nil, fmt.Errorf("persistence: unsupported format version %d", header[4])
	}

	var payload io.Reader
	switch Compression(header[5]) {
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("persistence: create zstd reader: %w", err)
		}
		defer zr.Close()
		payload = zr
	case CompressionLZ4:
		payload = lz4.NewReader(r)
	case CompressionNone:
		payload = r
	default:
		return nil, fmt.Errorf("persistence: unsupported compression %s", Compression(header[5]))
	}

	ix := &hnsw.Index{}
	if err := gob.NewDecoder(payload).Decode(ix); err != nil {
		return nil, fmt.Errorf("persistence: decode index: %w", err)
	}
	return ix, nil
}

// SaveHNSWFile writes the index atomically to path.
func SaveHNSWFile(path string, ix *hnsw.Index, optFns ...func(*Options)) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := SaveHNSW(tmp, ix, optFns...); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadHNSWFile reads an index from path.
func LoadHNSWFile(path string) (*hnsw.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadHNSW(f)
}
