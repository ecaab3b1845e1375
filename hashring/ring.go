// Package hashring implements the consistent hash ring meepo uses to pin a
// primary key to exactly one worker shard. Ported from the source's
// meepo/utils.py ConsistentHashRing: MD5 of the key's string form, read as
// a big integer, looked up against a sorted list of virtual-node hashes.
package hashring

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// DefaultReplicas is the default number of virtual nodes per shard.
const DefaultReplicas = 100

// Ring maps primary keys to shards with stable distribution under rescale.
// It is built once at registration time and is safe for concurrent reads;
// Insert/Remove must not race with Lookup (spec.md §5: "built once at
// registration and never mutated at runtime").
type Ring struct {
	replicas int

	mu    sync.RWMutex
	keys  []*big.Int          // sorted virtual-node hashes
	nodes map[string]string   // hash.String() -> shard id
}

// New returns an empty ring with the given number of virtual nodes per
// shard. A replicas of 0 uses DefaultReplicas.
func New(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Ring{
		replicas: replicas,
		nodes:    make(map[string]string),
	}
}

func hashKey(s string) *big.Int {
	sum := md5.Sum([]byte(s))
	return new(big.Int).SetBytes(sum[:])
}

// Insert adds shard to the ring, one virtual key per replica. Returns an
// error if any of the shard's virtual keys already collide with an
// existing entry.
func (r *Ring) Insert(shard string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes := make([]*big.Int, r.replicas)
	for i := 0; i < r.replicas; i++ {
		h := hashKey(fmt.Sprintf("%s:%d", shard, i))
		if _, exists := r.nodes[h.String()]; exists {
			return fmt.Errorf("hashring: shard %q already present", shard)
		}
		hashes[i] = h
	}

	for _, h := range hashes {
		r.nodes[h.String()] = shard
		idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i].Cmp(h) >= 0 })
		r.keys = append(r.keys, nil)
		copy(r.keys[idx+1:], r.keys[idx:])
		r.keys[idx] = h
	}
	return nil
}

// Remove drops every virtual-key entry belonging to shard.
func (r *Ring) Remove(shard string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.replicas; i++ {
		h := hashKey(fmt.Sprintf("%s:%d", shard, i))
		key := h.String()
		if _, ok := r.nodes[key]; !ok {
			continue
		}
		delete(r.nodes, key)
		idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i].Cmp(h) >= 0 })
		if idx < len(r.keys) && r.keys[idx].Cmp(h) == 0 {
			r.keys = append(r.keys[:idx], r.keys[idx+1:]...)
		}
	}
}

// Lookup returns the shard owning pk: the successor of hash(pk) on the
// sorted ring of virtual keys, wrapping to index 0 past the end. Lookup is
// a pure function of the ring's current state.
func (r *Ring) Lookup(pk string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return "", false
	}

	h := hashKey(pk)
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i].Cmp(h) >= 0 })
	if idx == len(r.keys) {
		idx = 0
	}
	return r.nodes[r.keys[idx].String()], true
}

// Shards returns the distinct shard ids currently in the ring.
func (r *Ring) Shards() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, shard := range r.nodes {
		if _, ok := seen[shard]; !ok {
			seen[shard] = struct{}{}
			out = append(out, shard)
		}
	}
	return out
}
