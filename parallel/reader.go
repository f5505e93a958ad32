package parallel

import (
	"fmt"
	"sync"

	"github.com/kjk/shardstore/record"
)

// DefaultQueueBytes bounds the reader pool output queue.
const DefaultQueueBytes = 8 << 20 // 8 MiB

// ReaderConfig configures a multi-shard Reader.
type ReaderConfig struct {
	// NumShards is the number of concurrently open shard readers; the
	// locator may serve more files than this over the pool's lifetime.
	NumShards int
	// WorkerThreads is the number of worker goroutines. Default 1.
	WorkerThreads int
	// QueueBytes bounds the decoded-record output queue by payload size;
	// workers block pushing into a full queue.
	QueueBytes int64
	// Policy is the corruption policy applied by every shard reader.
	Policy record.CorruptionPolicy
}

// slot is one open shard reader owned by whichever worker holds it.
type slot struct {
	r *record.Reader
}

// Reader reads records from a set of shard files in parallel. Worker
// goroutines pull records from open shard readers into a bounded output
// queue; NextRecord pops from that queue.
//
// When a shard is exhausted its slot asks the locator for the next path.
// A finite locator eventually retires all slots, after which NextRecord
// returns (nil, nil). A RandomRepeatLocator never retires anything, so
// NextRecord blocks on temporary queue emptiness but never reports
// end of stream.
type Reader struct {
	cfg   ReaderConfig
	loc   ShardLocator
	queue *recordQueue
	slots chan *slot
	quit  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	active int // slots not yet retired
	closed bool
}

// NewReader builds a pool over an arbitrary locator. Shard readers are
// opened lazily as workers pick paths up, so construction does not touch
// the filesystem beyond what the locator already did.
func NewReader(loc ShardLocator, cfg ReaderConfig) (*Reader, error) {
	if cfg.NumShards <= 0 {
		cfg.NumShards = DefaultNumShards
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 1
	}
	if cfg.QueueBytes <= 0 {
		cfg.QueueBytes = DefaultQueueBytes
	}

	r := &Reader{
		cfg:   cfg,
		loc:   loc,
		queue: newRecordQueue(cfg.QueueBytes),
		slots: make(chan *slot, cfg.NumShards),
		quit:  make(chan struct{}),
	}

	for i := 0; i < cfg.NumShards; i++ {
		path, ok := loc.Acquire()
		if !ok {
			break
		}
		sr, err := record.NewReader(path, cfg.Policy)
		if err != nil {
			r.teardownSlots()
			return nil, err
		}
		r.active++
		r.slots <- &slot{r: sr}
	}
	if r.active == 0 {
		// nothing to read, the pool is born exhausted
		r.queue.finish()
	}

	r.wg.Add(cfg.WorkerThreads)
	for i := 0; i < cfg.WorkerThreads; i++ {
		go r.worker()
	}
	return r, nil
}

// NewDirReader reads the shard files named {prefix}_* under dir.
func NewDirReader(dir, prefix string, cfg ReaderConfig) (*Reader, error) {
	if prefix == "" {
		prefix = "shard"
	}
	loc, err := NewDirLocator(dir, prefix)
	if err != nil {
		return nil, err
	}
	return NewReader(loc, cfg)
}

// NewPathsReader reads the given shard files in list order.
func NewPathsReader(paths []string, cfg ReaderConfig) (*Reader, error) {
	return NewReader(NewPathListLocator(paths), cfg)
}

// NewRandomPathsReader reads the given shard files in random order,
// indefinitely, reshuffling after each full pass.
func NewRandomPathsReader(paths []string, cfg ReaderConfig) (*Reader, error) {
	return NewReader(NewRandomRepeatLocator(paths), cfg)
}

func (r *Reader) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case s := <-r.slots:
			if !r.serveSlot(s) {
				return
			}
		}
	}
}

// serveSlot pulls one record from the slot's shard reader and pushes it
// to the output queue, then parks the slot again. Returns false when the
// pool is shutting down.
func (r *Reader) serveSlot(s *slot) bool {
	rec, err := s.r.NextRecord()
	switch {
	case err != nil:
		// this shard's stream halts; the others continue
		s.r.Close()
		ok := r.queue.push(item{err: fmt.Errorf("shard %s: %w", s.r.Path(), err)})
		r.refillSlot(s)
		return ok
	case rec != nil:
		if !r.queue.push(item{data: rec}) {
			s.r.Close()
			return false
		}
		r.slots <- s
		return true
	default:
		// shard exhausted, recycle the slot through the locator
		s.r.Close()
		r.loc.Release(s.r.Path())
		r.refillSlot(s)
		return true
	}
}

// refillSlot binds the slot to the locator's next path, or retires it if
// the locator is exhausted. The pool is exhausted when the last slot
// retires.
func (r *Reader) refillSlot(s *slot) {
	for {
		path, ok := r.loc.Acquire()
		if !ok {
			r.retireSlot()
			return
		}
		sr, err := record.NewReader(path, r.cfg.Policy)
		if err != nil {
			// surface the open failure and try the next path
			if !r.queue.push(item{err: err}) {
				r.retireSlot()
				return
			}
			continue
		}
		s.r = sr
		r.slots <- s
		return
	}
}

func (r *Reader) retireSlot() {
	r.mu.Lock()
	r.active--
	last := r.active == 0
	r.mu.Unlock()
	if last {
		r.queue.finish()
	}
}

// NextRecord returns the next decoded record from any shard. It blocks
// while the output queue is empty and at least one slot is still active,
// and returns (nil, nil) only once the pool is exhausted. A per-shard
// failure comes back as an error; later calls keep serving the healthy
// shards. After Close it reports ErrReaderClosed, so a torn-down pool is
// never mistaken for an exhausted one.
func (r *Reader) NextRecord() ([]byte, error) {
	it, ok := r.queue.pop()
	if !ok {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, record.ErrReaderClosed
		}
		return nil, nil
	}
	if it.err != nil {
		return nil, it.err
	}
	return it.data, nil
}

// QueuedRecords reports how many decoded records are buffered. Monitoring
// only.
func (r *Reader) QueuedRecords() int {
	return r.queue.len()
}

// QueuedBytes reports the buffered payload size. Monitoring only.
func (r *Reader) QueuedBytes() int64 {
	return r.queue.byteSize()
}

// teardownSlots closes any shard readers parked in the slot pool.
func (r *Reader) teardownSlots() {
	for {
		select {
		case s := <-r.slots:
			s.r.Close()
		default:
			return
		}
	}
}

// Close stops the workers and closes all open shard readers. Safe to call
// with workers mid-push; safe to call twice.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.queue.close() // unblocks workers stuck pushing
	close(r.quit)
	r.wg.Wait()
	r.teardownSlots()
	return nil
}

// CountDir counts records across the shard files named {prefix}_* under
// dir, without retaining their contents. Counting runs through a pool
// Reader, so cfg's shard count, worker count and corruption policy all
// apply.
func CountDir(dir, prefix string, cfg ReaderConfig) (int, error) {
	if prefix == "" {
		prefix = "shard"
	}
	loc, err := NewDirLocator(dir, prefix)
	if err != nil {
		return 0, err
	}
	return countAll(loc, cfg)
}

// CountPaths counts records across the given shard files.
func CountPaths(paths []string, cfg ReaderConfig) (int, error) {
	return countAll(NewPathListLocator(paths), cfg)
}

func countAll(loc ShardLocator, cfg ReaderConfig) (int, error) {
	r, err := NewReader(loc, cfg)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	count := 0
	for {
		rec, rerr := r.NextRecord()
		if rerr != nil {
			return count, rerr
		}
		if rec == nil {
			return count, nil
		}
		count++
	}
}
