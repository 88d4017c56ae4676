package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"
)

// snapshotMagic identifies a persistence file written by this daemon.
var snapshotMagic = [8]byte{'E', 'G', 'D', 's', 'n', 'a', 'p', '1'}

const snapshotVersion uint32 = 1

// digestSize is the width of the trailing integrity digest (256 bits).
const digestSize = 32

// SnapshotChunk is the persisted form of one PoolChunk.
type SnapshotChunk struct {
	Bytes       []byte
	EntropyBits int64
}

// SnapshotBlob is the persisted form of an entire Pool.
type SnapshotBlob struct {
	Chunks []SnapshotChunk
}

// Encode serializes the blob to a binary layout of 8-byte magic, 4-byte
// version, 8-byte chunk count, per-chunk (8-byte len, 8-byte entropy_bits,
// raw bytes), then a 32-byte digest of everything preceding it.
func (b *SnapshotBlob) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])

	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], snapshotVersion)
	buf.Write(versionBuf[:])

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(b.Chunks)))
	buf.Write(countBuf[:])

	for _, c := range b.Chunks {
		var lenBuf, bitsBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(c.Bytes)))
		binary.BigEndian.PutUint64(bitsBuf[:], uint64(c.EntropyBits))
		buf.Write(lenBuf[:])
		buf.Write(bitsBuf[:])
		buf.Write(c.Bytes)
	}

	digest := blake2b.Sum256(buf.Bytes())
	buf.Write(digest[:])

	return buf.Bytes()
}

// DecodeSnapshot parses and integrity-checks the binary format, rejecting
// any file with wrong magic, unknown version, inconsistent lengths, or a
// failed digest.
func DecodeSnapshot(raw []byte) (*SnapshotBlob, error) {
	if len(raw) < len(snapshotMagic)+4+8+digestSize {
		return nil, fmt.Errorf("%w: truncated", ErrSnapshotMalformed)
	}

	body := raw[:len(raw)-digestSize]
	wantDigest := raw[len(raw)-digestSize:]
	gotDigest := blake2b.Sum256(body)
	if !bytes.Equal(gotDigest[:], wantDigest) {
		return nil, fmt.Errorf("%w: integrity digest mismatch", ErrSnapshotMalformed)
	}

	if !bytes.Equal(body[:8], snapshotMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrSnapshotMalformed)
	}

	version := binary.BigEndian.Uint32(body[8:12])
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrSnapshotMalformed, version)
	}

	count := binary.BigEndian.Uint64(body[12:20])
	pos := 20
	blob := &SnapshotBlob{Chunks: make([]SnapshotChunk, 0, count)}

	for i := uint64(0); i < count; i++ {
		if pos+16 > len(body) {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrSnapshotMalformed)
		}
		length := binary.BigEndian.Uint64(body[pos : pos+8])
		bits := binary.BigEndian.Uint64(body[pos+8 : pos+16])
		pos += 16

		if pos+int(length) > len(body) {
			return nil, fmt.Errorf("%w: truncated chunk payload", ErrSnapshotMalformed)
		}

		data := make([]byte, length)
		copy(data, body[pos:pos+int(length)])
		pos += int(length)

		blob.Chunks = append(blob.Chunks, SnapshotChunk{Bytes: data, EntropyBits: int64(bits)})
	}

	if pos != len(body) {
		return nil, fmt.Errorf("%w: trailing garbage", ErrSnapshotMalformed)
	}

	return blob, nil
}

// Persister periodically and on demand serializes the Pool to disk
// atomically, and loads it on startup.
type Persister struct {
	Pool   *Pool
	Path   string
	Logger *slog.Logger

	clock    Clock
	ticker   Ticker
	stopOnce chan struct{}
}

// NewPersister creates a persister for pool writing to path.
func NewPersister(pool *Pool, path string, logger *slog.Logger) *Persister {
	return &Persister{
		Pool:     pool,
		Path:     path,
		Logger:   logger,
		clock:    GetDefaultClock(),
		stopOnce: make(chan struct{}),
	}
}

// SetClock overrides the persister's clock, for deterministic tests.
func (p *Persister) SetClock(c Clock) {
	p.clock = c
}

// Load reads and installs the persisted snapshot into the Pool at startup.
// A missing, unreadable, or integrity-failing file is not fatal: the pool
// simply starts empty.
func (p *Persister) Load() {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.Logger.Warn(fmt.Sprintf("persistence file %q unreadable, starting empty: %v", p.Path, err))
		} else {
			p.Logger.Info(fmt.Sprintf("no persistence file at %q, starting empty", p.Path))
		}
		return
	}

	blob, err := DecodeSnapshot(raw)
	if err != nil {
		p.Logger.Warn(fmt.Sprintf("persistence file %q failed to load, starting empty: %v", p.Path, err))
		return
	}

	if err := p.Pool.Load(blob); err != nil {
		p.Logger.Warn(fmt.Sprintf("persistence file %q rejected, starting empty: %v", p.Path, err))
		return
	}

	p.Logger.Info(fmt.Sprintf("loaded pool snapshot from %q (%d chunks)", p.Path, len(blob.Chunks)))
}

// Persist writes the current Pool snapshot to Path atomically: write to
// Path+".tmp", then rename over Path. A write or rename failure is logged
// and left for the next persist tick; it never leaves a half-written file
// in place of the prior good one.
func (p *Persister) Persist() error {
	blob := p.Pool.Snapshot()
	encoded := blob.Encode()

	tmpPath := p.Path + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o600); err != nil {
		wrapped := WrapPersistError("write", tmpPath, err)
		p.Logger.Error(wrapped.Error())
		return wrapped
	}

	if err := os.Rename(tmpPath, p.Path); err != nil {
		wrapped := WrapPersistError("rename", p.Path, err)
		p.Logger.Error(wrapped.Error())
		return wrapped
	}

	return nil
}

// Run starts the background tick that calls Persist every interval, until
// ctx is cancelled.
func (p *Persister) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	p.ticker = p.clock.NewTicker(interval)
	defer p.ticker.Stop()

	for {
		select {
		case <-p.ticker.C():
			if err := p.Persist(); err != nil {
				p.Logger.Error(fmt.Sprintf("periodic persist failed: %v", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// LockPath returns the sibling lock/PID marker path for a persistence file.
func LockPath(persistPath string) string {
	return persistPath + ".lock"
}

// AcquireLock records a lock/PID marker next to persistPath so a second
// daemon instance does not interleave writes against the same file. Pass
// force=true to overwrite an existing marker (external --force flag).
func AcquireLock(persistPath string, force bool) error {
	lockPath := LockPath(persistPath)

	if !force {
		if existing, err := os.ReadFile(lockPath); err == nil {
			return fmt.Errorf("%w: marker at %q held by pid %s", ErrLockHeld, lockPath, string(existing))
		}
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create lock directory: %w", err)
	}

	return os.WriteFile(lockPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
}

// ReleaseLock removes the lock/PID marker on clean shutdown.
func ReleaseLock(persistPath string) error {
	err := os.Remove(LockPath(persistPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
