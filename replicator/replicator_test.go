package replicator

import (
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"meepo/hashring"
	"meepo/worker"
)

func newTestReplicator(t *testing.T) *Replicator {
	t.Helper()
	return New("test", nil)
}

func TestDispatchSkipsMalformedFrames(t *testing.T) {
	r := newTestReplicator(t)

	var seen []string
	cb := func(pks []string) []bool {
		seen = append(seen, pks...)
		results := make([]bool, len(pks))
		for i := range results {
			results[i] = true
		}
		return results
	}

	if err := r.Event([]string{"orders_write"}, DefaultEventOptions(), cb); err != nil {
		t.Fatalf("Event: %v", err)
	}
	defer r.terminatePools()

	// Malformed: topic only, no pks.
	if err := r.dispatch(&nats.Msg{Data: []byte("orders_write")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Well formed.
	if err := r.dispatch(&nats.Msg{Data: []byte("orders_write 1 2 3")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Unknown topic: silently ignored.
	if err := r.dispatch(&nats.Msg{Data: []byte("unknown_topic 1")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	tp := r.topics["orders_write"]
	total := 0
	for _, q := range tp.queue {
		total += q.Depth()
	}
	if total != 3 {
		t.Fatalf("expected 3 pks queued from the well-formed frame only, got %d", total)
	}
}

// TestShardingCoversAllPKsExactlyOnce exercises the property from the
// design notes: with N shards and M distinct pks routed through dispatch,
// the union of pks across shard queues is exactly {0..M-1} and no pk lands
// in more than one shard. This bypasses Event/pool startup so the test can
// inspect queue contents without racing a live worker goroutine.
func TestShardingCoversAllPKsExactlyOnce(t *testing.T) {
	const numWorkers = 3
	const numPKs = 50

	ring := hashring.New(hashring.DefaultReplicas)
	queues := make(map[string]*worker.Queue, numWorkers)
	for i := 0; i < numWorkers; i++ {
		shard := fmt.Sprintf("shard-%d", i)
		queues[shard] = worker.NewQueue(numPKs)
		if err := ring.Insert(shard); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	r := &Replicator{
		name:   "test",
		topics: map[string]*topicPool{"orders_write": {ring: ring, queue: queues}},
		closed: make(chan struct{}),
	}

	for i := 0; i < numPKs; i++ {
		msg := &nats.Msg{Data: []byte(fmt.Sprintf("orders_write %d", i))}
		if err := r.dispatch(msg); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	union := make(map[string]struct{}, numPKs)
	for shard, q := range queues {
		for {
			pk, ok := q.TryGet()
			if !ok {
				break
			}
			if _, dup := union[pk]; dup {
				t.Fatalf("pk %s routed to more than one shard (duplicate seen via %s)", pk, shard)
			}
			union[pk] = struct{}{}
		}
	}

	if len(union) != numPKs {
		t.Fatalf("expected union of %d pks, got %d: %v", numPKs, len(union), union)
	}
	for i := 0; i < numPKs; i++ {
		pk := fmt.Sprintf("%d", i)
		if _, ok := union[pk]; !ok {
			t.Fatalf("pk %s missing from shard union", pk)
		}
	}
}

func TestCloseIsIdempotentAndSafeBeforeRun(t *testing.T) {
	r := newTestReplicator(t)
	cb := func(pks []string) []bool { return make([]bool, len(pks)) }
	if err := r.Event([]string{"t"}, DefaultEventOptions(), cb); err != nil {
		t.Fatalf("Event: %v", err)
	}

	r.Close()
	r.Close()
}

func TestEventBuildsIndependentRingsPerCall(t *testing.T) {
	r := newTestReplicator(t)
	cb := func(pks []string) []bool { return make([]bool, len(pks)) }

	if err := r.Event([]string{"a"}, DefaultEventOptions(), cb); err != nil {
		t.Fatalf("Event a: %v", err)
	}
	if err := r.Event([]string{"b"}, DefaultEventOptions(), cb); err != nil {
		t.Fatalf("Event b: %v", err)
	}
	defer r.terminatePools()

	if len(r.topics) != 2 {
		t.Fatalf("expected 2 registered topics, got %d", len(r.topics))
	}
	if r.topics["a"].ring == r.topics["b"].ring {
		t.Fatal("expected each Event call to build its own hash ring")
	}
}
