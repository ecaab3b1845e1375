// Package eventstore is meepo's append-only time-indexed event log: per
// "table_action" and namespace, an ordered sequence of (pk, ts) used for
// eventsourcing replay. Ported from
// original_source/meepo/apps/eventsourcing/event_store.py RedisEventStore.
package eventstore

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the expiration time for stored events, matching spec.md §3.
const DefaultTTL = 3 * 24 * time.Hour

// Namespace resolves the redis key prefix for a given timestamp, allowing
// time-bucketed namespaces (e.g. "meepo:es:20240115"). A fixed namespace
// string can be wrapped with StaticNamespace.
type Namespace func(ts int64) string

// StaticNamespace returns a Namespace that always resolves to name.
func StaticNamespace(name string) Namespace {
	return func(int64) string { return name }
}

// zaddScript is the exact compare-and-swap rule from the source's
// LUA_ZADD: only raise the score, never lower it, so retries are
// idempotent and time only moves forward for a given pk.
var zaddScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[2])
if score and tonumber(ARGV[1]) <= tonumber(score) then
    return 0
else
    redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
    return 1
end
`)

// Store is an append-only, time-indexed event log backed by redis sorted
// sets, scored by event timestamp.
type Store struct {
	rdb       *redis.Client
	namespace Namespace
	ttl       time.Duration
	logger    *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace overrides the default day-bucketed namespace.
func WithNamespace(ns Namespace) Option {
	return func(s *Store) { s.namespace = ns }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger overrides the default component logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New builds a Store against an already-connected redis client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb: rdb,
		ttl: DefaultTTL,
		namespace: func(ts int64) string {
			return "meepo:es:" + time.Unix(ts, 0).UTC().Format("20060102")
		},
		logger: log.New(log.Writer(), "meepo.eventstore: ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(event string, ts int64) string {
	return fmt.Sprintf("%s:%s", s.namespace(ts), event)
}

// Add upserts (pk, ts) into event's index: if pk is already present with a
// score >= ts, the call is a no-op ("not newer", returns false); otherwise
// the score advances to ts. ts defaults to the server's current time when
// zero, to avoid clock skew across publishers. Transport errors are logged
// and reported as false rather than propagated.
func (s *Store) Add(ctx context.Context, event string, pk string, ts int64) bool {
	if ts == 0 {
		serverTs, err := s.serverTime(ctx)
		if err != nil {
			s.logger.Printf("add failed for event=%s pk=%s: %v", event, pk, err)
			return false
		}
		ts = serverTs
	}
	key := s.key(event, ts)

	res, err := zaddScript.Run(ctx, s.rdb, []string{key}, ts, pk).Int()
	if err != nil {
		s.logger.Printf("add failed for event=%s pk=%s: %v", event, pk, err)
		return false
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.logger.Printf("add failed for event=%s pk=%s: %v", event, pk, err)
		return false
	}
	return res == 1
}

// serverTime fetches the current second from the redis server's own TIME
// command, the Go analogue of the source's _time() (r.eval("redis.call
// ('TIME')...")), instead of the caller's local clock, so multiple skewed
// publisher processes agree on a single clock.
func (s *Store) serverTime(ctx context.Context) (int64, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// Replayed is a (pk, ts) pair returned by Replay when withTs is requested.
type Replayed struct {
	PK string
	Ts int64
}

// Replay returns pks whose score lies in [from, to] (inclusive), ordered
// ascending by score. to of 0 means +inf.
func (s *Store) Replay(ctx context.Context, event string, from, to int64) ([]string, error) {
	replayed, err := s.replay(ctx, event, from, to)
	if err != nil {
		return nil, err
	}
	pks := make([]string, len(replayed))
	for i, r := range replayed {
		pks[i] = r.PK
	}
	return pks, nil
}

// ReplayWithTs is Replay but also returns each pk's stored timestamp.
func (s *Store) ReplayWithTs(ctx context.Context, event string, from, to int64) ([]Replayed, error) {
	return s.replay(ctx, event, from, to)
}

func (s *Store) replay(ctx context.Context, event string, from, to int64) ([]Replayed, error) {
	min := strconv.FormatInt(from, 10)
	max := "+inf"
	if to != 0 {
		max = strconv.FormatInt(to, 10)
	}

	key := s.key(event, from)
	results, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("eventstore: replay %s: %w", event, err)
	}

	out := make([]Replayed, len(results))
	for i, z := range results {
		out[i] = Replayed{PK: fmt.Sprint(z.Member), Ts: int64(z.Score)}
	}
	return out, nil
}

// Clear drops the index for event within the namespace located by ts (the
// current time, if ts is zero).
func (s *Store) Clear(ctx context.Context, event string, ts int64) error {
	if ts == 0 {
		ts = time.Now().Unix()
	}
	if err := s.rdb.Del(ctx, s.key(event, ts)).Err(); err != nil {
		return fmt.Errorf("eventstore: clear %s: %w", event, err)
	}
	return nil
}
