// Package preparecommit is meepo's durable two-phase log for ORM
// transactions: a session that dies between prepare and commit leaves
// recoverable evidence in the "in-prepare" set. Ported from
// original_source/meepo/apps/eventsourcing/prepare_commit.py
// MRedisPrepareCommit.
package preparecommit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"meepo/models"
)

// DefaultTTL is how long a committed transaction's event-set hash lingers
// for diagnostics before garbage collection, matching spec.md §4.4.
const DefaultTTL = time.Hour

// Namespace resolves the redis key prefix for a given timestamp.
type Namespace func(ts int64) string

// StaticNamespace returns a Namespace that always resolves to name.
func StaticNamespace(name string) Namespace {
	return func(int64) string { return name }
}

// Log is a durable two-phase record of pending ORM transactions.
type Log struct {
	rdb       *redis.Client
	namespace Namespace
	ttl       time.Duration
	strict    bool
	logger    *log.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithNamespace overrides the default day-bucketed namespace.
func WithNamespace(ns Namespace) Option {
	return func(l *Log) { l.namespace = ns }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Log) { l.ttl = ttl }
}

// WithLogger overrides the default component logger.
func WithLogger(lg *log.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// Strict switches the log between lenient mode (transport errors during
// prepare/commit are caught, logged, and reported to the caller as a false
// result, publication continues) and strict mode (the error propagates so
// the caller can abort the surrounding DB transaction).
func Strict(strict bool) Option {
	return func(l *Log) { l.strict = strict }
}

// New builds a Log against an already-connected redis client.
func New(rdb *redis.Client, opts ...Option) *Log {
	l := &Log{
		rdb: rdb,
		ttl: DefaultTTL,
		namespace: func(ts int64) string {
			return "meepo:pc:" + time.Unix(ts, 0).UTC().Format("20060102")
		},
		logger: log.New(log.Writer(), "meepo.preparecommit: ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) keys(ts int64) (prepareSet, eventHashPrefix string) {
	ns := l.namespace(ts)
	return ns + ":session_prepare", ns + ":session_prepare:"
}

// Prepare atomically adds tid to the in-prepare set for the namespace
// located by ts, and stores the serialized event set under tid's key.
func (l *Log) Prepare(ctx context.Context, ts int64, tid string, eventSet models.EventSet) (bool, error) {
	prepareSet, hashPrefix := l.keys(ts)
	hkey := hashPrefix + tid

	encoded := make(map[string]interface{}, len(eventSet))
	for topic, pks := range eventSet {
		raw, err := json.Marshal(setToSlice(pks))
		if err != nil {
			return l.fail(fmt.Errorf("preparecommit: encode event set: %w", err))
		}
		encoded[topic] = raw
	}

	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, prepareSet, tid)
		if len(encoded) > 0 {
			p.HSet(ctx, hkey, encoded)
		}
		return nil
	})
	if err != nil {
		return l.fail(fmt.Errorf("preparecommit: prepare %s: %w", tid, err))
	}
	l.logger.Printf("session_prepare -> %s", tid)
	return true, nil
}

// Commit atomically removes tid from the in-prepare set and assigns the
// configured TTL to its event-set hash so it lingers for diagnostics.
func (l *Log) Commit(ctx context.Context, ts int64, tid string) (bool, error) {
	prepareSet, hashPrefix := l.keys(ts)
	hkey := hashPrefix + tid

	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, prepareSet, tid)
		p.Expire(ctx, hkey, l.ttl)
		return nil
	})
	if err != nil {
		return l.fail(fmt.Errorf("preparecommit: commit %s: %w", tid, err))
	}
	l.logger.Printf("session_commit -> %s", tid)
	return true, nil
}

// Rollback is semantically identical to Commit: both transition tid out of
// the pending set. The caller is expected not to publish events on
// rollback.
func (l *Log) Rollback(ctx context.Context, ts int64, tid string) (bool, error) {
	return l.Commit(ctx, ts, tid)
}

func (l *Log) fail(err error) (bool, error) {
	if l.strict {
		return false, err
	}
	l.logger.Printf("%v", err)
	return false, nil
}

// Phase reports whether tid is still pending ("prepare") or has
// transitioned out ("commit").
func (l *Log) Phase(ctx context.Context, ts int64, tid string) (models.Phase, error) {
	prepareSet, _ := l.keys(ts)
	isMember, err := l.rdb.SIsMember(ctx, prepareSet, tid).Result()
	if err != nil {
		return "", fmt.Errorf("preparecommit: phase %s: %w", tid, err)
	}
	if isMember {
		return models.Prepare, nil
	}
	return models.Commit, nil
}

// SessionInfo fetches and deserializes tid's stored event set.
func (l *Log) SessionInfo(ctx context.Context, ts int64, tid string) (models.EventSet, error) {
	_, hashPrefix := l.keys(ts)
	raw, err := l.rdb.HGetAll(ctx, hashPrefix+tid).Result()
	if err != nil {
		return nil, fmt.Errorf("preparecommit: session info %s: %w", tid, err)
	}

	es := models.NewEventSet()
	for topic, encoded := range raw {
		var pks []string
		if err := json.Unmarshal([]byte(encoded), &pks); err != nil {
			return nil, fmt.Errorf("preparecommit: decode event set %s: %w", topic, err)
		}
		set := make(map[string]struct{}, len(pks))
		for _, pk := range pks {
			set[pk] = struct{}{}
		}
		es[topic] = set
	}
	return es, nil
}

// PrepareInfo enumerates currently pending transactions within the
// namespace located by ts, for crash recovery.
func (l *Log) PrepareInfo(ctx context.Context, ts int64) (map[string]struct{}, error) {
	prepareSet, _ := l.keys(ts)
	members, err := l.rdb.SMembers(ctx, prepareSet).Result()
	if err != nil {
		return nil, fmt.Errorf("preparecommit: prepare info: %w", err)
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
