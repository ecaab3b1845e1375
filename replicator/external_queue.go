package replicator

import (
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
)

// ExternalQueueCallback hands a topic's accumulated pks to an external task
// system (e.g. a job queue); it returns an error if enqueuing failed.
type ExternalQueueCallback func(topic string, pks []string) error

// ExternalQueueReplicator is the alternate replicator variant for topics
// whose callback enqueues onto an external task system. It keeps a
// per-topic accumulator of pks that errored and only advances past a
// batch once the callback succeeds, retrying the accumulated error set on
// every iteration before reading the next frame. Ported from
// original_source/meepo/apps/replicator/rq.py RqReplicator.
type ExternalQueueReplicator struct {
	name   string
	nc     *nats.Conn
	logger *log.Logger

	callbacks map[string]ExternalQueueCallback
	errorPKs  map[string]map[string]struct{}

	sub *nats.Subscription
}

// NewExternalQueueReplicator builds an ExternalQueueReplicator against an
// already-connected NATS client.
func NewExternalQueueReplicator(name string, nc *nats.Conn) *ExternalQueueReplicator {
	return &ExternalQueueReplicator{
		name:      name,
		nc:        nc,
		logger:    log.New(log.Writer(), fmt.Sprintf("%s: ", name), log.LstdFlags),
		callbacks: make(map[string]ExternalQueueCallback),
		errorPKs:  make(map[string]map[string]struct{}),
	}
}

// Event registers cb to handle topic.
func (r *ExternalQueueReplicator) Event(topic string, cb ExternalQueueCallback) {
	r.callbacks[topic] = cb
}

// Run subscribes to every registered topic and loops: on each iteration it
// first retries any topic's accumulated error pks, then waits for and
// dispatches the next frame.
func (r *ExternalQueueReplicator) Run() error {
	msgs := make(chan *nats.Msg, 1024)
	for topic := range r.callbacks {
		sub, err := r.nc.Subscribe(topic, func(m *nats.Msg) { msgs <- m })
		if err != nil {
			return fmt.Errorf("replicator: subscribe %s: %w", topic, err)
		}
		r.sub = sub
	}

	for {
		for topic, pending := range r.errorPKs {
			if len(pending) == 0 {
				continue
			}
			pks := setToSlice(pending)
			r.logger.Printf("process error pks: %s -> %v", topic, pks)
			r.doJob(topic, pks)
		}

		msg := <-msgs
		fields := strings.Fields(string(msg.Data))
		if len(fields) < 2 {
			r.logger.Printf("msg corrupt -> %q", string(msg.Data))
			continue
		}

		topic, pks := fields[0], fields[1:]
		r.logger.Printf("replicator: %s -> %v", topic, pks)
		r.doJob(topic, pks)
	}
}

func (r *ExternalQueueReplicator) doJob(topic string, pks []string) {
	cb, ok := r.callbacks[topic]
	if !ok {
		return
	}

	if err := cb(topic, pks); err != nil {
		r.logger.Printf("job error for %s: %v", topic, err)
		set, ok := r.errorPKs[topic]
		if !ok {
			set = make(map[string]struct{})
			r.errorPKs[topic] = set
		}
		for _, pk := range pks {
			set[pk] = struct{}{}
		}
		return
	}

	if set, ok := r.errorPKs[topic]; ok {
		for _, pk := range pks {
			delete(set, pk)
		}
		if len(set) == 0 {
			delete(r.errorPKs, topic)
		}
	}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for pk := range set {
		out = append(out, pk)
	}
	return out
}
