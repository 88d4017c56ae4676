package core

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// stirBlockSize is the width W (in bytes) of each digest block produced by
// the stirring step. blake2b-512 gives a 64-byte block.
const stirBlockSize = 64

// Condition compresses raw (unless compress is false or compression does not
// help), stirs the result into a sequence of fixed-width digest blocks, and
// computes a conservative entropy-bit estimate. It never errors: an empty
// raw blob yields an empty result with zero bits.
func Condition(raw []byte, compress bool, scale float64) (conditioned []byte, entropyBits int64) {
	if len(raw) == 0 {
		return nil, 0
	}

	c := raw
	if compress {
		if compressed, err := compressZstd(raw); err == nil && len(compressed) < len(raw) {
			c = compressed
		}
	}

	conditioned = stir(c)
	entropyBits = scaledBits(len(c), scale)
	return conditioned, entropyBits
}

// scaledBits clamps scale to [0, 1] and returns floor(preScaleLen*8*scale).
func scaledBits(preScaleLen int, scale float64) int64 {
	if scale < 0 {
		scale = 0
	} else if scale > 1 {
		scale = 1
	}
	return int64(float64(preScaleLen) * 8 * scale)
}

// compressZstd runs a single-shot zstd compression pass. zstd is the
// general-purpose lossless compressor used here in place of an LZMA family
// codec; see DESIGN.md for the rationale.
func compressZstd(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

// stir produces ceil(len(c)/W)*W bytes by repeatedly hashing c concatenated
// with a fixed-width counter, where W is stirBlockSize. Each block is
// independent: block i is H(c || i).
func stir(c []byte) []byte {
	numBlocks := (len(c) + stirBlockSize - 1) / stirBlockSize
	if numBlocks == 0 {
		numBlocks = 1
	}

	out := make([]byte, 0, numBlocks*stirBlockSize)
	var counter [8]byte
	for i := 0; i < numBlocks; i++ {
		binary.BigEndian.PutUint64(counter[:], uint64(i))
		h := blake2b.Sum512(append(append([]byte{}, c...), counter[:]...))
		out = append(out, h[:]...)
	}
	return out
}
