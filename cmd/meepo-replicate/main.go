// Command meepo-replicate is a thin wiring example of the replicator:
// connect to NATS, register the write/update/delete topics of one table, and shard
// incoming primary keys across a worker pool that just logs them. A real
// deployment supplies its own Callback (writing to a cache, a search
// index, a downstream queue); this binary exists to show the pieces fit
// together, not as a configurable CLI front-end.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"meepo/internal/config"
	"meepo/replicator"
)

func main() {
	cfg := config.Load()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatalf("meepo-replicate: connect nats: %v", err)
	}
	defer nc.Close()

	r := replicator.New("meepo-replicate", nc)

	logCallback := func(pks []string) []bool {
		log.Printf("meepo-replicate: received pks %v", pks)
		results := make([]bool, len(pks))
		for i := range results {
			results[i] = true
		}
		return results
	}

	topics := []string{"orders_write", "orders_update", "orders_delete"}
	opts := replicator.EventOptions{Workers: 4, Multi: true, QueueLimit: 10000}
	if err := r.Event(topics, opts, logCallback); err != nil {
		log.Fatalf("meepo-replicate: register event: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("meepo-replicate: shutdown signal received, stopping...")
		r.Close()
	}()

	if err := r.Run(); err != nil {
		log.Fatalf("meepo-replicate: run: %v", err)
	}
}
