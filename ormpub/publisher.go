// Package ormpub is the Go home for original_source/meepo/pub/sqlalchemy.py
// and original_source/meepo/apps/eventsourcing/pub.py: translating an
// application's unit-of-work boundaries (flush/commit/rollback) into
// meepo signals, optionally integrated with a preparecommit.Log for
// durable two-phase semantics. Go has no implicit ORM session-hook
// mechanism, so the publisher exposes an explicit Session value the
// application drives at its own transaction boundaries (spec.md §9 Design
// Notes: "per-session state stashed on session objects -> transaction-
// scoped context").
package ormpub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"meepo/models"
	"meepo/preparecommit"
	"meepo/signalbus"
)

// Publisher watches a set of tables and mints Sessions that stage and
// publish row events at application-driven transaction boundaries.
type Publisher struct {
	bus *signalbus.Bus
	pc  *preparecommit.Log // nil disables prepare-commit mode

	mu     sync.Mutex
	tables map[string]struct{}

	sessions sync.Map // sessionID string -> *Session
}

// New builds a Publisher in simple mode. Pass a non-nil preparecommit.Log
// via WithPrepareCommit to enable prepare-commit mode.
func New(bus *signalbus.Bus, opts ...Option) *Publisher {
	p := &Publisher{bus: bus, tables: make(map[string]struct{})}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPrepareCommit enables prepare-commit mode, durably logging each
// session's cumulative event set through l.
func WithPrepareCommit(l *preparecommit.Log) Option {
	return func(p *Publisher) { p.pc = l }
}

// Watch adds tables to the watched set. Re-registration merges sets (set
// union), idempotently, matching spec.md §4.3's table-filter semantics.
func (p *Publisher) Watch(tables ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tables {
		p.tables[t] = struct{}{}
	}
}

func (p *Publisher) watched(table string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tables) == 0 {
		return true // no filter installed: observe everything
	}
	_, ok := p.tables[table]
	return ok
}

// Begin starts a new Session bound to this Publisher. The session's tid is
// assigned lazily on first use, matching spec.md §4.3's "assigned lazily on
// the first signal-emitting hook" invariant.
func (p *Publisher) Begin() *Session {
	return &Session{pub: p, pending: make(map[pendingKey]pendingValue)}
}

// Session looks up a transaction by its tid, for recovery paths that learn
// a tid from preparecommit.Log.PrepareInfo rather than holding the Session
// value itself.
func (p *Publisher) Session(tid string) (*Session, bool) {
	v, ok := p.sessions.Load(tid)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Session accumulates staged row events for one transaction. It is not
// safe for concurrent use by multiple goroutines, matching the single-
// threaded unit-of-work model a real ORM session has.
type Session struct {
	pub *Publisher

	mu      sync.Mutex
	tid     string
	pending map[pendingKey]pendingValue
}

type pendingKey struct {
	table  string
	action models.Action
	pk     string
}

type pendingValue struct {
	pk  models.PrimaryKey
	raw models.RawRowEvent
}

func (s *Session) id() string {
	if s.tid == "" {
		s.tid = uuid.New().String()
		s.pub.sessions.Store(s.tid, s)
	}
	return s.tid
}

// SignalName implements signalbus.Named so subscribers can filter
// session_prepare/session_commit/session_rollback to a specific session.
func (s *Session) SignalName() string { return s.id() }

// Stage records one row mutation observed during the transaction's
// unit-of-work (the Go analogue of populating session.new/dirty/deleted).
// Calling Stage multiple times for the same (table, action, pk) keeps only
// the latest raw payload.
func (s *Session) Stage(table string, action models.Action, pk models.PrimaryKey, raw models.RawRowEvent) {
	if !s.pub.watched(table) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingKey{table: table, action: action, pk: pk.String()}] = pendingValue{pk: pk, raw: raw}
}

// Flush assembles the session's cumulative event set and, in prepare-
// commit mode, sends session_prepare carrying it. It is a no-op (no
// signal sent) when the set is empty, per spec.md §9 Open Questions. Flush
// is safe to call more than once per transaction; each call emits the
// cumulative superset so far, which subscribers must treat as an
// idempotent update of the same transaction's state.
func (s *Session) Flush(ctx context.Context) error {
	if s.pub.pc == nil {
		return nil
	}

	s.mu.Lock()
	eventSet := s.eventSetLocked()
	empty := len(eventSet) == 0
	s.mu.Unlock()

	if empty {
		return nil
	}

	s.mu.Lock()
	tid := s.id()
	s.mu.Unlock()

	if _, err := s.pub.pc.Prepare(ctx, time.Now().Unix(), tid, eventSet); err != nil {
		return fmt.Errorf("ormpub: prepare: %w", err)
	}
	s.pub.bus.Send("session_prepare", s, eventSet)
	return nil
}

// Commit publishes every staged row event ("{table}_{action}" + its _raw
// twin), then clears the session. In prepare-commit mode it additionally
// transitions the durable log out of the pending set and sends
// session_commit; simple mode stops at the row-event publication.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	tid := s.tid
	s.mu.Unlock()

	ts := time.Now().Unix()
	for key, val := range pending {
		ev := models.Event{Table: key.table, Action: key.action, PK: val.pk, Ts: ts}
		s.pub.bus.Send(ev.Topic(), s, ev)
		s.pub.bus.Send(models.RawTopic(key.table, key.action), s, val.raw)
	}

	if s.pub.pc != nil {
		if tid != "" {
			if _, err := s.pub.pc.Commit(ctx, time.Now().Unix(), tid); err != nil {
				return fmt.Errorf("ormpub: commit: %w", err)
			}
		}
		s.pub.bus.Send("session_commit", s, tid)
	}

	s.reset()
	return nil
}

// Rollback discards every staged event without publishing it, sends
// session_rollback, and in prepare-commit mode transitions the durable log
// out of the pending set.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	tid := s.tid
	s.mu.Unlock()

	if s.pub.pc != nil && tid != "" {
		if _, err := s.pub.pc.Rollback(ctx, time.Now().Unix(), tid); err != nil {
			return fmt.Errorf("ormpub: rollback: %w", err)
		}
	}

	s.pub.bus.Send("session_rollback", s, tid)
	s.reset()
	return nil
}

func (s *Session) reset() {
	s.mu.Lock()
	tid := s.tid
	s.tid = ""
	s.pending = make(map[pendingKey]pendingValue)
	s.mu.Unlock()

	if tid != "" {
		s.pub.sessions.Delete(tid)
	}
}

func (s *Session) eventSetLocked() models.EventSet {
	set := models.NewEventSet()
	for key, val := range s.pending {
		set.Add(models.Topic(key.table, key.action), val.pk)
	}
	return set
}
