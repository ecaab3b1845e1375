package worker

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultWaitingTime is the supervisor's heartbeat interval, matching the
// source's WorkerPool waiting_time default.
const DefaultWaitingTime = 10 * time.Second

// Pool supervises one Worker per Queue, recreating any worker that exits
// unexpectedly. The per-queue binding is sticky: a respawned worker
// inherits the same Queue object, so no in-flight pk is lost beyond the
// batch the dead worker was processing.
type Pool struct {
	name        string
	cb          Callback
	cfg         Config
	waitingTime time.Duration
	logger      *log.Logger

	mu      sync.Mutex
	workers map[*Queue]*Worker

	stop      chan struct{}
	done      chan struct{}
	terminate sync.Once
}

// NewPool builds a Pool over queues, one Worker per queue, all sharing cb
// and cfg.
func NewPool(name string, queues []*Queue, cb Callback, cfg Config, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("meepo.replicator.sentinel.%s: ", name), log.LstdFlags)
	}
	p := &Pool{
		name:        name,
		cb:          cb,
		cfg:         cfg,
		waitingTime: DefaultWaitingTime,
		logger:      logger,
		workers:     make(map[*Queue]*Worker, len(queues)),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, q := range queues {
		p.workers[q] = p.spawn(q)
	}
	return p
}

// WithWaitingTime overrides DefaultWaitingTime; call before Start.
func (p *Pool) WithWaitingTime(d time.Duration) *Pool {
	p.waitingTime = d
	return p
}

func (p *Pool) spawn(q *Queue) *Worker {
	w := New(p.name, q, p.cb, p.cfg, nil)
	go w.Run()
	return w
}

// Start launches the supervisor's heartbeat loop: every waitingTime it
// probes each worker's liveness, respawning any that died bound to the
// same queue, and logs aggregate queue depth.
func (p *Pool) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.waitingTime)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				p.terminateAll()
				return
			case <-ticker.C:
				p.heartbeat()
			}
		}
	}()
}

func (p *Pool) heartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()

	dead, totalDepth := 0, 0
	for q, w := range p.workers {
		totalDepth += q.Depth()
		if !w.Alive() {
			dead++
			p.logger.Printf("%s worker dead, recreating...", p.name)
			p.workers[q] = p.spawn(q)
		}
	}
	p.logger.Printf("%s total qsize %d; %d worker alive, %d worker dead",
		p.name, totalDepth, len(p.workers)-dead, dead)
}

func (p *Pool) terminateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.Stop()
	}
}

// Terminate signals the supervisor to stop, which in turn stops every
// worker and waits for them to exit. Safe to call more than once.
func (p *Pool) Terminate() {
	p.terminate.Do(func() {
		close(p.stop)
		<-p.done
	})
}
