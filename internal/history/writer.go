// File: internal/history/writer.go
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/state"
)

var (
	// ErrBacklogFull is returned by Writer.Append when the write buffer is
	// full. The entry is not persisted but stays in the in-memory mirror.
	ErrBacklogFull = errors.New("history: write backlog full")
	// ErrWriterClosed is returned once the Writer has been closed.
	ErrWriterClosed = errors.New("history: writer closed")
)

// BatchAppender is implemented by backends that can persist several entries
// in one round trip.
type BatchAppender interface {
	AppendBatch(ctx context.Context, entries []state.LogEntry) error
}

const (
	defaultWriteBuffer = 1024
	defaultBatchSize   = 100
	batchTimeout       = 30 * time.Second
)

type opKind int

const (
	opAppend opKind = iota
	opClear
	opFlush
)

type writeOp struct {
	kind  opKind
	entry state.LogEntry
	done  chan struct{}
}

// Writer persists log entries on its own goroutine so a slow database never
// holds up the caller. Appends are batched, and a Clear stays ordered with
// the appends around it.
type Writer struct {
	log       Log
	logger    *zap.Logger
	batchSize int

	mu     sync.RWMutex
	closed bool
	ops    chan writeOp
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

var _ Log = (*Writer)(nil)

// NewWriter starts a writer in front of log. Non-positive sizes take the
// defaults.
func NewWriter(log Log, logger *zap.Logger, buffer, batchSize int) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultWriteBuffer
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	w := &Writer{
		log:       log,
		logger:    logger.Named("history_writer"),
		batchSize: batchSize,
		ops:       make(chan writeOp, buffer),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Append queues entry without blocking.
func (w *Writer) Append(entry state.LogEntry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.ops <- writeOp{kind: opAppend, entry: entry}:
		return nil
	default:
		w.dropped.Add(1)
		return ErrBacklogFull
	}
}

// Clear queues a wipe of the persisted history behind any pending appends.
// It waits for buffer space but not for the wipe itself.
func (w *Writer) Clear() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.ops <- writeOp{kind: opClear}
	return nil
}

// Flush blocks until everything queued before it has been written.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.ops <- writeOp{kind: opFlush, done: done}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load flushes pending writes and then reads from the backend.
func (w *Writer) Load(ctx context.Context, limit int) ([]state.LogEntry, error) {
	if err := w.Flush(ctx); err != nil && !errors.Is(err, ErrWriterClosed) {
		return nil, err
	}
	return w.log.Load(ctx, limit)
}

// Dropped counts entries rejected because the backlog was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close drains the queue and closes the backend.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()

	w.wg.Wait()
	if n := w.dropped.Load(); n > 0 {
		w.logger.Warn("Log entries were not persisted.", zap.Uint64("dropped", n))
	}
	return w.log.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()
	batch := make([]state.LogEntry, 0, w.batchSize)
	for op := range w.ops {
		batch = w.handle(op, batch)
		// Collect whatever else is already queued before writing.
	drain:
		for len(batch) > 0 && len(batch) < w.batchSize {
			select {
			case next, ok := <-w.ops:
				if !ok {
					break drain
				}
				batch = w.handle(next, batch)
			default:
				break drain
			}
		}
		batch = w.flush(batch)
	}
	w.flush(batch)
}

// handle applies op. Appends accumulate in batch; any other op first writes
// what is pending so ordering holds.
func (w *Writer) handle(op writeOp, batch []state.LogEntry) []state.LogEntry {
	switch op.kind {
	case opAppend:
		batch = append(batch, op.entry)
		if len(batch) >= w.batchSize {
			batch = w.flush(batch)
		}
	case opClear:
		batch = w.flush(batch)
		if err := w.log.Clear(); err != nil {
			w.logger.Warn("Failed to clear persisted log history", zap.Error(err))
		}
	case opFlush:
		batch = w.flush(batch)
		close(op.done)
	}
	return batch
}

func (w *Writer) flush(batch []state.LogEntry) []state.LogEntry {
	if len(batch) == 0 {
		return batch
	}
	if err := w.write(batch); err != nil {
		w.logger.Error("Failed to persist log batch.", zap.Error(err), zap.Int("batch_size", len(batch)))
	}
	return batch[:0]
}

func (w *Writer) write(batch []state.LogEntry) error {
	if b, ok := w.log.(BatchAppender); ok {
		ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
		defer cancel()
		return b.AppendBatch(ctx, batch)
	}
	var errs []error
	for _, e := range batch {
		if err := w.log.Append(e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d entries failed: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}
