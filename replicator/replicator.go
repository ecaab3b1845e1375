// Package replicator subscribes to meepo's fan-out transport and shards
// incoming messages by primary key across a pool of workers. Ported from
// original_source/meepo/apps/replicator (QueueReplicator) and the
// top-level original_source/meepo/replicator.py ZmqReplicator, using NATS
// core pub/sub in place of zmq SUB sockets.
package replicator

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"meepo/hashring"
	"meepo/worker"
)

// EventOptions configures a topic registration.
type EventOptions struct {
	Workers    int
	Multi      bool
	QueueLimit int
}

// DefaultEventOptions matches the source's QueueReplicator.event defaults.
func DefaultEventOptions() EventOptions {
	return EventOptions{Workers: 1, QueueLimit: 10000}
}

type topicPool struct {
	ring  *hashring.Ring
	queue map[string]*worker.Queue // shard id -> queue
	pool  *worker.Pool
}

// Replicator subscribes to one or more NATS topics and dispatches incoming
// primary keys to a per-topic worker pool sharded by a consistent hash
// ring.
type Replicator struct {
	name   string
	nc     *nats.Conn
	logger *log.Logger

	topics map[string]*topicPool
	subs   []*nats.Subscription

	closed    chan struct{}
	closeOnce sync.Once
	terminate sync.Once
}

// New builds a Replicator against an already-connected NATS client.
func New(name string, nc *nats.Conn) *Replicator {
	return &Replicator{
		name:   name,
		nc:     nc,
		logger: log.New(log.Writer(), fmt.Sprintf("%s: ", name), log.LstdFlags),
		topics: make(map[string]*topicPool),
		closed: make(chan struct{}),
	}
}

// Event registers cb to handle every topic in topics, sharded across
// opts.Workers queues via a dedicated hash ring, with opts.Multi
// controlling whether the callback receives a batch or one pk at a time.
func (r *Replicator) Event(topics []string, opts EventOptions, cb worker.Callback) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	ring := hashring.New(hashring.DefaultReplicas)
	queues := make(map[string]*worker.Queue, opts.Workers)
	wq := make([]*worker.Queue, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		shard := fmt.Sprintf("shard-%d", i)
		q := worker.NewQueue(opts.QueueLimit * 2)
		queues[shard] = q
		wq[i] = q
		if err := ring.Insert(shard); err != nil {
			return fmt.Errorf("replicator: %w", err)
		}
	}

	cfg := worker.DefaultConfig()
	cfg.Multi = opts.Multi
	cfg.QueueLimit = opts.QueueLimit

	// One pool for the whole call, so each shard queue has exactly one
	// consuming worker however many topics share the ring.
	pool := worker.NewPool(fmt.Sprintf("%s.%s", r.name, strings.Join(topics, ",")), wq, cb, cfg, nil)
	pool.Start()
	for _, topic := range topics {
		r.topics[topic] = &topicPool{ring: ring, queue: queues, pool: pool}
	}
	return nil
}

// Run subscribes to every registered topic and loops dispatching incoming
// frames until Close is called; the worker pools are already running, since
// Event starts each pool when it registers it. A failed subscribe is
// returned; errors on the NATS connection after subscribing are not seen by
// the loop and do not end it. On return Run terminates every pool.
func (r *Replicator) Run() error {
	defer r.terminatePools()

	msgs := make(chan *nats.Msg, 1024)
	for topic := range r.topics {
		sub, err := r.nc.Subscribe(topic, func(m *nats.Msg) { msgs <- m })
		if err != nil {
			return fmt.Errorf("replicator: subscribe %s: %w", topic, err)
		}
		r.subs = append(r.subs, sub)
	}

	for {
		select {
		case <-r.closed:
			return nil
		case msg := <-msgs:
			if err := r.dispatch(msg); err != nil {
				r.logger.Printf("dispatch error: %v", err)
				return err
			}
		}
	}
}

// dispatch parses one wire frame ("topic pk1 pk2 ...") and routes each pk
// to its shard's queue. Messages with fewer than two tokens are malformed
// and are logged and skipped.
func (r *Replicator) dispatch(msg *nats.Msg) error {
	fields := strings.Fields(string(msg.Data))
	if len(fields) < 2 {
		r.logger.Printf("msg corrupt -> %q", string(msg.Data))
		return nil
	}

	topic, pks := fields[0], fields[1:]
	tp, ok := r.topics[topic]
	if !ok {
		return nil
	}

	for _, pk := range pks {
		shard, ok := tp.ring.Lookup(pk)
		if !ok {
			continue
		}
		tp.queue[shard].Put(pk)
	}
	return nil
}

// Close stops Run's dispatch loop, unsubscribes from every topic and
// terminates every worker pool. Safe to call even if Run was never
// started.
func (r *Replicator) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.terminatePools()
}

func (r *Replicator) terminatePools() {
	r.terminate.Do(func() {
		for _, tp := range r.topics {
			tp.pool.Terminate()
		}
	})
}
