// Package compress implements the overlay's optional payload compression
// (spec §4.1): frames whose payload is at least MinSize bytes are
// opportunistically compressed, an algorithm byte is recorded in a
// trailing extension record, and compression is abandoned (payload sent
// uncompressed) unless it saves at least MinSavings bytes.
package compress

import (
	"errors"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression codec used for a frame, carried in
// the trailing extension record (spec §4.1).
type Algorithm uint8

const (
	AlgorithmNone Algorithm = iota
	AlgorithmLz4
	AlgorithmZstd
)

// MinSize is the smallest payload compression is attempted on; smaller
// payloads aren't worth the extension-record overhead.
const MinSize = 128

// MinSavings is the minimum number of bytes a compressed payload must be
// smaller than the original by, or compression is abandoned.
const MinSavings = 16

var (
	ErrUnknownAlgorithm = errors.New("compress: unknown algorithm")
	ErrCorrupt          = errors.New("compress: corrupt compressed payload")
)

var zstdDecoder, _ = zstd.NewReader(nil)

// Compress attempts to compress data with algo, returning the compressed
// bytes and true if compression was applied, or the original data and
// false if it was skipped (too small, or didn't save enough).
func Compress(algo Algorithm, data []byte) ([]byte, bool, error) {
	if algo == AlgorithmNone || len(data) < MinSize {
		return data, false, nil
	}
	var out []byte
	var err error
	switch algo {
	case AlgorithmLz4:
		out, err = compressLz4(data)
	case AlgorithmZstd:
		out, err = compressZstd(data)
	default:
		return nil, false, ErrUnknownAlgorithm
	}
	if err != nil {
		return nil, false, err
	}
	if len(data)-len(out) < MinSavings {
		return data, false, nil
	}
	return out, true, nil
}

// Decompress reverses Compress for the given algorithm.
func Decompress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return data, nil
	case AlgorithmLz4:
		return decompressLz4(data)
	case AlgorithmZstd:
		return decompressZstd(data)
	default:
		return nil, ErrUnknownAlgorithm
	}
}

func compressLz4(data []byte) ([]byte, error) {
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(data))+4)
	putUint32(dst, uint32(len(data)))
	n, err := c.CompressBlock(data, dst[4:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible per pierrec/lz4: treat as "didn't save anything".
		return data, nil
	}
	return dst[:4+n], nil
}

func decompressLz4(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrCorrupt
	}
	originalLen := getUint32(data)
	dst := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
