package storage

import (
	"bytes"

	"github.com/ulikunitz/xz/lzma"
)

// compressLZMA and decompressLZMA mirror the teacher's
// pkg/storage/storeDataPipeline.go compressWithLzma/decompressWithLzma
// helpers, applied here to block payloads instead of content-chunk
// payloads.
func compressLZMA(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZMA(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
