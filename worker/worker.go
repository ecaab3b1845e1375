// Package worker is meepo's bounded-queue consumer: one goroutine per
// shard queue, with retry, deduplication and supervisor restart. Ported
// from original_source/meepo/apps/replicator/worker.py Worker/WorkerPool,
// in goroutines and channels instead of multiprocessing, per the "process
// pool with explicit message passing" design note.
package worker

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// MaxPKCount bounds how many pks a single callback invocation batches,
// matching the source's Worker.MAX_PK_COUNT.
const MaxPKCount = 256

// Callback processes a batch of pks and reports per-pk success. When Multi
// is false the worker invokes it once per pk instead and assembles the
// results itself.
type Callback func(pks []string) []bool

// Config tunes a Worker's retry and dedup behavior.
type Config struct {
	// Multi allows multiple pks to be sent in one callback invocation.
	Multi bool
	// Retry re-enqueues pks whose callback reported failure. If false,
	// callback results are ignored entirely.
	Retry bool
	// QueueLimit: once queue depth exceeds this, the worker drains the
	// queue into a set and re-enqueues only unique values.
	QueueLimit int
	// MaxRetryCount: a pk is dropped (with an error log) once its retry
	// count exceeds this.
	MaxRetryCount int
	// MaxRetryInterval bounds the backoff sleep after a batch with
	// failures.
	MaxRetryInterval time.Duration
}

// DefaultConfig matches the source's Worker defaults.
func DefaultConfig() Config {
	return Config{
		Retry:            true,
		QueueLimit:       10000,
		MaxRetryCount:    10,
		MaxRetryInterval: 60 * time.Second,
	}
}

// Queue is the bounded MPSC channel of pks a Worker consumes. It is
// sticky across worker respawns: the replacement worker inherits the same
// Queue so no in-flight pk is lost beyond the batch the dead worker was
// processing.
type Queue struct {
	ch chan string
}

// NewQueue returns a queue with the given channel capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan string, capacity)}
}

// Put enqueues pk, blocking if the queue is full.
func (q *Queue) Put(pk string) { q.ch <- pk }

// Depth is an advisory probe of queue occupancy; on platforms/channel
// semantics where this can't be exact it is still a safe approximation
// (len of a buffered channel), unlike the source's qsize() which can raise
// NotImplementedError on some OSes.
func (q *Queue) Depth() int { return len(q.ch) }

// TryGet pops one pk without blocking, reporting false if the queue is
// currently empty. Exposed for tests and introspection; production
// consumption goes through Worker.Run.
func (q *Queue) TryGet() (string, bool) {
	select {
	case pk := <-q.ch:
		return pk, true
	default:
		return "", false
	}
}

// Worker consumes a single Queue, invoking a user Callback with retry,
// backoff and panic recovery. Call Run in its own goroutine; Stop ends the
// loop cleanly at the next interrupt point.
type Worker struct {
	Name   string
	queue  *Queue
	cb     Callback
	cfg    Config
	logger *log.Logger

	retryStats map[string]int
	mu         sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New builds a Worker consuming queue with cb and cfg. name is used only
// for logging.
func New(name string, queue *Queue, cb Callback, cfg Config, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("meepo.worker.%s: ", name), log.LstdFlags)
	}
	return &Worker{
		Name:       name,
		queue:      queue,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
		retryStats: make(map[string]int),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Stop requests the run loop to terminate at its next interrupt point and
// blocks until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// Alive reports whether the worker's run loop is still executing.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Run executes the worker's consume loop until Stop is called. It never
// returns early on a callback panic: panics are recovered, logged, and
// followed by a cooldown before resuming, matching the source's bare
// except Exception handling.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		if w.runOnce() {
			return
		}
	}
}

// runOnce executes one iteration of the state machine described in
// spec.md §4.7, returning true if the worker should stop.
func (w *Worker) runOnce() (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("callback panicked: %v", r)
			time.Sleep(10 * time.Second)
		}
	}()

	if w.cfg.QueueLimit > 0 && w.queue.Depth() > w.cfg.QueueLimit {
		w.logger.Printf("deduplicating, depth=%d", w.queue.Depth())
		deduplicate(w.queue, w.cfg.QueueLimit)
	}

	pks := w.drainBatch()
	if len(pks) == 0 {
		select {
		case <-w.stop:
			return true
		case <-time.After(time.Second):
			return false
		}
	}

	w.logger.Printf("%s -> %v - qsize: %d", w.Name, pks, w.queue.Depth())

	var results []bool
	if w.cfg.Multi {
		results = w.cb(pks)
	} else {
		results = make([]bool, len(pks))
		for i, pk := range pks {
			results[i] = w.cb([]string{pk})[0]
		}
	}

	if !w.cfg.Retry {
		return false
	}

	failures := 0
	for i, pk := range pks {
		ok := i < len(results) && results[i]
		if ok {
			w.onSuccess(pk)
		} else {
			w.onFail(pk)
			failures++
		}
	}

	if failures > 0 {
		backoff := 3 * time.Duration(failures) * time.Second
		if backoff > w.cfg.MaxRetryInterval {
			backoff = w.cfg.MaxRetryInterval
		}
		select {
		case <-w.stop:
			return true
		case <-time.After(backoff):
		}
	}
	return false
}

func (w *Worker) drainBatch() []string {
	seen := make(map[string]struct{})
	var pks []string
	for {
		select {
		case pk := <-w.queue.ch:
			if _, dup := seen[pk]; !dup {
				seen[pk] = struct{}{}
				pks = append(pks, pk)
			}
			if len(pks) >= MaxPKCount {
				return pks
			}
		default:
			return pks
		}
	}
}

func (w *Worker) onFail(pk string) {
	w.mu.Lock()
	w.retryStats[pk]++
	count := w.retryStats[pk]
	w.mu.Unlock()

	if count > w.cfg.MaxRetryCount {
		w.mu.Lock()
		delete(w.retryStats, pk)
		w.mu.Unlock()
		w.logger.Printf("callback on pk failed -> %s", pk)
		return
	}
	w.queue.Put(pk)
	w.logger.Printf("callback on pk failed for %d times -> %s", count, pk)
}

func (w *Worker) onSuccess(pk string) {
	w.mu.Lock()
	delete(w.retryStats, pk)
	w.mu.Unlock()
}

// deduplicate drains up to maxSize items from queue into a set and
// re-enqueues only the unique values, matching the source's module-level
// _deduplicate helper.
func deduplicate(queue *Queue, maxSize int) {
	seen := make(map[string]struct{})
drain:
	for i := 0; i < maxSize; i++ {
		select {
		case pk := <-queue.ch:
			seen[pk] = struct{}{}
		default:
			break drain
		}
	}
	for pk := range seen {
		queue.Put(pk)
	}
}
