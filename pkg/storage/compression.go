package storage

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// compress encodes a shard payload with the configured algorithm.
func compress(data []byte, algorithm string) ([]byte, error) {
	var buf bytes.Buffer
	switch algorithm {
	case "brotli":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default: // gzip
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decompressByName inflates a shard payload based on its file extension.
// Plain .jsonl shards pass through untouched.
func decompressByName(name string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case strings.HasSuffix(name, ".br"):
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	default:
		return data, nil
	}
}
