package consent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SegmentSink receives witness segment uploads. Object stores satisfy it.
type SegmentSink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// WitnessMirror copies new witness lines to an object store in segments,
// so an off-host copy of the chain survives loss of the primary disk.
// Each Sync uploads the bytes appended since the previous one as a
// standalone JSON-lines object; replaying segments in key order rebuilds
// the witness file.
type WitnessMirror struct {
	witness *FileWitness
	sink    SegmentSink
	prefix  string
	log     *slog.Logger

	mu     sync.Mutex
	offset int64
}

// MirrorOption configures a WitnessMirror.
type MirrorOption func(*WitnessMirror)

// WithSegmentPrefix overrides the object key prefix. Default "witness".
func WithSegmentPrefix(prefix string) MirrorOption {
	return func(m *WitnessMirror) { m.prefix = prefix }
}

// NewWitnessMirror builds a mirror over the witness file. The mirror starts
// at offset zero, so the first Sync uploads the whole existing file.
func NewWitnessMirror(w *FileWitness, sink SegmentSink, opts ...MirrorOption) *WitnessMirror {
	m := &WitnessMirror{
		witness: w,
		sink:    sink,
		prefix:  "witness",
		log:     slog.Default().With("component", "witness_mirror"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sync uploads everything appended since the last call as one segment and
// returns its key, or "" when nothing new was written.
func (m *WitnessMirror) Sync(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, size, err := m.witness.TailFrom(m.offset)
	if err != nil {
		return "", err
	}
	if size < m.offset {
		// A reverted append shrank the file past our checkpoint. Already
		// uploaded segments may hold lines the primary no longer has;
		// replay keeps them, which is the safe direction for an audit
		// trail.
		m.log.Warn("witness shrank below mirror checkpoint",
			"checkpoint", m.offset,
			"size", size,
		)
		m.offset = size
		return "", nil
	}
	if len(data) == 0 {
		return "", nil
	}

	key := fmt.Sprintf("%s/segment-%012d-%012d.jsonl", m.prefix, m.offset, size)
	if err := m.sink.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("consent: mirroring witness segment: %w", err)
	}
	m.offset = size
	m.log.Info("witness segment mirrored", "key", key, "bytes", len(data))
	return key, nil
}

// Run syncs on the given interval until ctx is cancelled, then performs a
// final sync so shutdown does not strand a partial batch.
func (m *WitnessMirror) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := m.Sync(flushCtx); err != nil {
				m.log.Error("final witness sync failed", "error", err)
			}
			return
		case <-t.C:
			if _, err := m.Sync(ctx); err != nil {
				m.log.Error("witness sync failed", "error", err)
			}
		}
	}
}
