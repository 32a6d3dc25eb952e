package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const writerBatchSize = 64

// Diagnostics is a point-in-time snapshot of the write pipeline.
type Diagnostics struct {
	QueueCapacity        int              `json:"queue_capacity"`
	QueueDepth           int              `json:"queue_depth"`
	EnqueueAcceptedTotal int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal  int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal    int64            `json:"write_dropped_total"`
	WriteFailuresByClass map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// WriteFailure describes one batch of records the writer could not
// persist.
type WriteFailure struct {
	FailedCount int
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous write failure signals.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// Writer drains a bounded queue of usage records into the store in
// batches. A full queue drops new records rather than blocking the
// request path.
type Writer struct {
	store StoreWriter
	queue chan *Record
	wg    sync.WaitGroup

	writeFailureHandle atomic.Value // WriteFailureHandler

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.RWMutex
	workerCancel context.CancelFunc

	enqueueAcceptedTotal atomic.Int64
	enqueueDroppedTotal  atomic.Int64
	writeDroppedTotal    atomic.Int64

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

// StoreWriter is the slice of Store the writer needs.
type StoreWriter interface {
	Write(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
}

func NewWriter(store StoreWriter, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	writer := &Writer{
		store:           store,
		queue:           make(chan *Record, bufferSize),
		done:            make(chan struct{}),
		failuresByClass: map[string]int64{},
	}
	writer.writeFailureHandle.Store(noopWriteFailureHandler)
	return writer
}

// SetWriteFailureHandler replaces the callback invoked when record
// writes fail. The handler runs on the writer goroutine and must not
// block.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case record, ok := <-w.queue:
				if !ok {
					return
				}

				batch := make([]*Record, 0, writerBatchSize)
				if record != nil {
					batch = append(batch, record)
				}
			drain:
				for len(batch) < writerBatchSize {
					select {
					case <-workerCtx.Done():
						// Fresh context so the drain flush is not rejected
						// for cancellation.
						w.flushBatch(context.Background(), batch)
						return
					case next, ok := <-w.queue:
						if !ok {
							w.flushBatch(context.Background(), batch)
							return
						}
						if next != nil {
							batch = append(batch, next)
						}
					default:
						break drain
					}
				}
				w.flushBatch(workerCtx, batch)
			}
		}
	}()
}

// Enqueue offers a record to the queue. It never blocks; false means the
// record was dropped.
func (w *Writer) Enqueue(record *Record) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- record:
		w.enqueueAcceptedTotal.Add(1)
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		return false
	}
}

// Shutdown stops intake, drains the queue, and waits up to ctx for the
// final flush.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() { close(w.done) })
}

func (w *Writer) flushBatch(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		if err := w.store.Write(ctx, batch[0]); err != nil {
			w.recordWriteFailure(1, err)
		}
		return
	}
	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Per-record fallback so one bad row does not drop the batch.
		failed := 0
		var fallbackErr error
		for _, record := range batch {
			if writeErr := w.store.Write(ctx, record); writeErr != nil {
				failed++
				if fallbackErr == nil {
					fallbackErr = writeErr
				}
			}
		}
		if failed > 0 {
			w.recordWriteFailure(failed, errors.Join(err, fallbackErr))
		}
	}
}

func (w *Writer) recordWriteFailure(count int, err error) {
	w.writeDroppedTotal.Add(int64(count))
	class := ClassifyWriteError(err)
	w.failuresMu.Lock()
	w.failuresByClass[class] += int64(count)
	w.failuresMu.Unlock()

	if handler, ok := w.writeFailureHandle.Load().(WriteFailureHandler); ok && handler != nil {
		handler(WriteFailure{FailedCount: count, Err: err, ErrorClass: class})
	}
}

// Diagnostics snapshots queue pressure and drop counters.
func (w *Writer) Diagnostics() Diagnostics {
	snapshot := Diagnostics{
		QueueCapacity:        cap(w.queue),
		QueueDepth:           len(w.queue),
		EnqueueAcceptedTotal: w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:  w.enqueueDroppedTotal.Load(),
		WriteDroppedTotal:    w.writeDroppedTotal.Load(),
	}
	w.failuresMu.Lock()
	if len(w.failuresByClass) > 0 {
		byClass := make(map[string]int64, len(w.failuresByClass))
		for class, count := range w.failuresByClass {
			byClass[class] = count
		}
		snapshot.WriteFailuresByClass = byClass
	}
	w.failuresMu.Unlock()
	return snapshot
}

// QueueLen returns the number of records waiting to be flushed.
func (w *Writer) QueueLen() int { return len(w.queue) }
