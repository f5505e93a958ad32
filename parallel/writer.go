package parallel

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/kjk/shardstore/chunk"
	"github.com/kjk/shardstore/log"
	"github.com/kjk/shardstore/record"
)

// Defaults for WriterConfig zero values.
const (
	DefaultNumShards         = 2
	DefaultTaskQueueCapacity = 2000
	DefaultMaxBytesPerWriter = 10 << 30 // 10 GiB
)

// WriterConfig configures a multi-shard Writer.
type WriterConfig struct {
	// Dir is the destination directory, created if missing.
	Dir string
	// Prefix names shard files {prefix}_{index}. Default "shard".
	Prefix string
	// NumShards is the number of concurrently open shard writers.
	NumShards int
	// WorkerThreads is the number of worker goroutines. Default is the
	// available parallelism.
	WorkerThreads int
	// MaxBytesPerWriter caps one shard file's size when AutoShard is on.
	MaxBytesPerWriter int64
	// TaskQueueCapacity bounds queued write tasks; WriteRecord blocks at
	// the cap, which is the pool's backpressure mechanism.
	TaskQueueCapacity int
	// AutoShard rolls a shard over to a fresh file (next index) once it
	// reaches MaxBytesPerWriter.
	AutoShard bool
	// Append keeps existing shard files instead of truncating them.
	Append bool
	// Compression is the codec name, "none" or "zstd". Empty means none.
	Compression string
	// ChunkSize overrides the per-writer chunk threshold. Mostly for
	// tests; the default of record.DefaultChunkSize is right for real use.
	ChunkSize int
}

// sharder hands out successive shard file paths {dir}/{prefix}_{index}.
// Indexes keep increasing past the initial shard count, which is what
// auto-sharding relies on.
type sharder struct {
	mu     sync.Mutex
	dir    string
	prefix string
	next   int
}

func (s *sharder) nextPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := filepath.Join(s.dir, fmt.Sprintf("%s_%04d", s.prefix, s.next))
	s.next++
	return p
}

// Writer distributes records across NumShards open shard files using a
// fixed pool of worker goroutines and a bounded task queue.
//
// Records are routed to whichever shard writer is free; no cross-shard
// order is defined. Within one shard file, write order is preserved.
type Writer struct {
	cfg  WriterConfig
	comp chunk.Compression

	sharder *sharder
	tasks   chan []byte
	writers chan *record.Writer // the free-slot pool; len() == AvailableWriters
	quit    chan struct{}
	wg      sync.WaitGroup

	// serializes Flush and Close; two goroutines collecting the free
	// pool at once could each hold part of it and wait forever
	opMu sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int // enqueued but not yet fully processed
	werr     error
	closed   bool
}

// NewWriter opens NumShards shard files and starts the worker pool.
// Construction fails fast on an unknown compression name or any file
// open error.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "shard"
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = DefaultNumShards
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = runtime.GOMAXPROCS(0)
	}
	if cfg.TaskQueueCapacity <= 0 {
		cfg.TaskQueueCapacity = DefaultTaskQueueCapacity
	}
	if cfg.MaxBytesPerWriter <= 0 {
		cfg.MaxBytesPerWriter = DefaultMaxBytesPerWriter
	}
	comp, err := chunk.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	w := &Writer{
		cfg:     cfg,
		comp:    comp,
		sharder: &sharder{dir: cfg.Dir, prefix: cfg.Prefix},
		tasks:   make(chan []byte, cfg.TaskQueueCapacity),
		writers: make(chan *record.Writer, cfg.NumShards),
		quit:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)

	for i := 0; i < cfg.NumShards; i++ {
		sw, err := record.NewWriter(w.sharder.nextPath(), record.WriterOptions{
			Compression: comp,
			ChunkSize:   cfg.ChunkSize,
			Append:      cfg.Append,
		})
		if err != nil {
			for len(w.writers) > 0 {
				(<-w.writers).Close()
			}
			return nil, err
		}
		w.writers <- sw
	}

	w.wg.Add(cfg.WorkerThreads)
	for i := 0; i < cfg.WorkerThreads; i++ {
		go w.worker()
	}
	return w, nil
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case data := <-w.tasks:
			w.handleTask(data)
		}
	}
}

// handleTask routes one record to a free shard writer, rotating the shard
// file first if auto-sharding says it is full.
func (w *Writer) handleTask(data []byte) {
	sw := <-w.writers
	if w.cfg.AutoShard && sw.BytesWritten() >= w.cfg.MaxBytesPerWriter {
		sw = w.rotate(sw)
	}
	err := sw.WriteRecord(data)
	w.writers <- sw

	w.mu.Lock()
	if err != nil && w.werr == nil {
		w.werr = err
	}
	w.inFlight--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// rotate closes a full shard writer and opens the next-index shard file
// in its slot. On failure the closed writer stays in the slot; writes to
// it surface ErrWriterClosed, keeping the error visible without losing
// the slot.
func (w *Writer) rotate(sw *record.Writer) *record.Writer {
	old := sw.Path()
	err := sw.Close()
	if err == nil {
		var nw *record.Writer
		path := w.sharder.nextPath()
		nw, err = record.NewWriter(path, record.WriterOptions{
			Compression: w.comp,
			ChunkSize:   w.cfg.ChunkSize,
			Append:      w.cfg.Append,
		})
		if err == nil {
			log.Logger().Debug("rotated shard file", "from", old, "to", path)
			return nw
		}
	}
	w.mu.Lock()
	if w.werr == nil {
		w.werr = err
	}
	w.mu.Unlock()
	return sw
}

// WriteRecord enqueues data for writing. Blocks while the task queue is
// at capacity. A failure inside a worker is sticky: it is reported by the
// next WriteRecord, Flush or Close call.
func (w *Writer) WriteRecord(data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return record.ErrWriterClosed
	}
	if w.werr != nil {
		err := w.werr
		w.mu.Unlock()
		return err
	}
	w.inFlight++
	w.mu.Unlock()

	w.tasks <- append([]byte(nil), data...)
	return nil
}

// drain waits until every enqueued task has been processed.
func (w *Writer) drain() {
	w.mu.Lock()
	for w.inFlight > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// Flush drains the task queue, then flushes every open shard writer.
func (w *Writer) Flush() error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return record.ErrWriterClosed
	}
	w.mu.Unlock()

	w.drain()

	// with no tasks in flight all writers are parked in the free pool
	var err error
	held := make([]*record.Writer, 0, w.cfg.NumShards)
	for i := 0; i < w.cfg.NumShards; i++ {
		held = append(held, <-w.writers)
	}
	for _, sw := range held {
		if ferr := sw.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		w.writers <- sw
	}
	if err != nil {
		return err
	}
	w.mu.Lock()
	err = w.werr
	w.mu.Unlock()
	return err
}

// Close drains pending tasks, stops the workers and closes every shard
// writer. Terminal: WriteRecord afterwards reports ErrWriterClosed. A
// second Close is a no-op.
func (w *Writer) Close() error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.drain()
	close(w.quit)
	w.wg.Wait()

	var err error
	for i := 0; i < w.cfg.NumShards; i++ {
		sw := <-w.writers
		if cerr := sw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return err
	}
	w.mu.Lock()
	err = w.werr
	w.mu.Unlock()
	return err
}

// PendingTasks reports the current task queue depth. Monitoring only.
func (w *Writer) PendingTasks() int {
	return len(w.tasks)
}

// AvailableWriters reports how many shard slots are not mid-task.
func (w *Writer) AvailableWriters() int {
	return len(w.writers)
}
