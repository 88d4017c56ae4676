package core

import (
	"fmt"
	"sync"
)

// Pool is the bounded, chunked accumulator of conditioned entropy. It is the
// only shared mutable resource in the daemon: all operations are
// serialized behind a single mutex, and critical sections perform no I/O.
type Pool struct {
	mu            sync.Mutex
	chunks        []*PoolChunk
	maxBytes      int64
	chunkCapBytes int64
	totalBytes    int64
	totalBits     int64
}

// NewPool creates an empty pool with the given global byte cap and per-chunk
// capacity.
func NewPool(maxBytes, chunkCapBytes int64) *Pool {
	return &Pool{
		maxBytes:      maxBytes,
		chunkCapBytes: chunkCapBytes,
	}
}

// Append adds conditioned bytes and their entropy-bit credit to the tail
// chunk, opening new chunks as needed, then evicts whole oldest chunks until
// total_bytes <= max_bytes.
func (p *Pool) Append(conditioned []byte, entropyBits int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := conditioned
	remainingBits := entropyBits

	for len(remaining) > 0 {
		tail := p.tailChunkLocked()

		before := tail.LenBytes()
		n, bits := tail.Append(remaining, remainingBits)
		if n == 0 {
			// Tail is full and cannot take more: open a fresh chunk.
			p.chunks = append(p.chunks, NewPoolChunk(p.chunkCapBytes))
			continue
		}

		p.totalBytes += int64(n)
		p.totalBits += bits

		// Proportionally reduce the remaining bit credit by the fraction of
		// bytes just consumed, mirroring PoolChunk's own rounding rule.
		if n < len(remaining) {
			remainingBits -= bits
		} else {
			remainingBits = 0
		}
		remaining = remaining[n:]
		_ = before
	}

	p.evictLocked()

	if p.violatesInvariantsLocked() {
		panic(fmt.Sprintf("%v: total_bytes=%d total_bits=%d max_bytes=%d",
			ErrPoolInvariantViolation, p.totalBytes, p.totalBits, p.maxBytes))
	}
}

// tailChunkLocked returns the current tail chunk, opening the first chunk if
// the pool is empty or the tail is already full.
func (p *Pool) tailChunkLocked() *PoolChunk {
	if len(p.chunks) == 0 {
		p.chunks = append(p.chunks, NewPoolChunk(p.chunkCapBytes))
	}
	tail := p.chunks[len(p.chunks)-1]
	if tail.IsFull() {
		tail = NewPoolChunk(p.chunkCapBytes)
		p.chunks = append(p.chunks, tail)
	}
	return tail
}

// evictLocked drops whole oldest chunks until total_bytes <= max_bytes.
// Partial-chunk eviction is deliberately not supported: every chunk is
// already uniformly distributed after conditioning, so there is no benefit
// to evicting part of one.
func (p *Pool) evictLocked() {
	for p.totalBytes > p.maxBytes && len(p.chunks) > 0 {
		victim := p.chunks[0]
		p.chunks = p.chunks[1:]
		p.totalBytes -= int64(victim.LenBytes())
		p.totalBits -= victim.EntropyBits()
	}
}

// Withdraw atomically removes up to n bytes from the front of the pool,
// draining chunks oldest-first. Returns fewer than n bytes (or zero) if the
// pool does not hold enough; this is not an error.
func (p *Pool) Withdraw(n int) (data []byte, deliveredBits int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 {
		return nil, 0
	}

	out := make([]byte, 0, n)

	for len(out) < n && len(p.chunks) > 0 {
		head := p.chunks[0]
		want := n - len(out)

		chunkData, bits := head.Withdraw(want)
		out = append(out, chunkData...)
		deliveredBits += bits

		p.totalBytes -= int64(len(chunkData))
		p.totalBits -= bits

		if head.IsEmpty() {
			p.chunks = p.chunks[1:]
		}
	}

	if p.violatesInvariantsLocked() {
		panic(fmt.Sprintf("%v: total_bytes=%d total_bits=%d max_bytes=%d",
			ErrPoolInvariantViolation, p.totalBytes, p.totalBits, p.maxBytes))
	}

	return out, deliveredBits
}

// Stats returns the pool's current totals and chunk count.
func (p *Pool) Stats() (totalBytes, totalBits, maxBytes int64, numChunks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBytes, p.totalBits, p.maxBytes, len(p.chunks)
}

// violatesInvariantsLocked checks P1/P2/P4 from the property list. Callers
// must hold p.mu.
func (p *Pool) violatesInvariantsLocked() bool {
	if p.totalBits < 0 || p.totalBytes < 0 {
		return true
	}
	if p.totalBits > p.totalBytes*8 {
		return true
	}
	if p.totalBytes > p.maxBytes {
		return true
	}
	return false
}

// Snapshot produces a self-consistent serialization of all chunks, suitable
// for Persister to write to disk.
func (p *Pool) Snapshot() *SnapshotBlob {
	p.mu.Lock()
	defer p.mu.Unlock()

	blob := &SnapshotBlob{Chunks: make([]SnapshotChunk, 0, len(p.chunks))}
	for _, c := range p.chunks {
		data := make([]byte, c.LenBytes())
		copy(data, c.bytes)
		blob.Chunks = append(blob.Chunks, SnapshotChunk{
			Bytes:       data,
			EntropyBits: c.EntropyBits(),
		})
	}
	return blob
}

// Load replaces the pool's contents with the given snapshot. It fails if the
// blob violates the pool's own invariants relative to its configured caps.
func (p *Pool) Load(blob *SnapshotBlob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	chunks := make([]*PoolChunk, 0, len(blob.Chunks))
	var totalBytes, totalBits int64

	for _, sc := range blob.Chunks {
		if int64(len(sc.Bytes)) > p.chunkCapBytes {
			return fmt.Errorf("%w: chunk of %d bytes exceeds chunk cap %d",
				ErrSnapshotMalformed, len(sc.Bytes), p.chunkCapBytes)
		}
		if sc.EntropyBits < 0 || sc.EntropyBits > int64(len(sc.Bytes))*8 {
			return fmt.Errorf("%w: chunk entropy_bits=%d out of range for %d bytes",
				ErrSnapshotMalformed, sc.EntropyBits, len(sc.Bytes))
		}

		chunk := NewPoolChunk(p.chunkCapBytes)
		chunk.bytes = append(chunk.bytes, sc.Bytes...)
		chunk.entropyBits = sc.EntropyBits
		chunks = append(chunks, chunk)

		totalBytes += int64(len(sc.Bytes))
		totalBits += sc.EntropyBits
	}

	if totalBytes > p.maxBytes {
		return fmt.Errorf("%w: total_bytes=%d exceeds max_bytes=%d",
			ErrSnapshotMalformed, totalBytes, p.maxBytes)
	}

	p.chunks = chunks
	p.totalBytes = totalBytes
	p.totalBits = totalBits
	return nil
}
