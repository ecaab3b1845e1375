// Package binlogpub turns a MySQL primary's replication log into meepo
// signals. It is the Go home for original_source/meepo/apps/binlogpub's
// BinlogReplicator, built on github.com/go-mysql-org/go-mysql/canal instead
// of python-mysql-replication, and on the teacher's own
// binlog_consumption.go for the connection/shutdown idiom.
package binlogpub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	gmysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-mysql-org/go-mysql/schema"
	mysqldriver "github.com/go-sql-driver/mysql"

	"meepo/models"
	"meepo/signalbus"
)

// ErrNoDSN is returned by New when cfg.DSN is empty.
var ErrNoDSN = errors.New("binlogpub: dsn is required")

// Config configures a Publisher's connection to the replication source.
// Field names mirror spec.md's BinlogPublisher option table.
type Config struct {
	// DSN is a go-sql-driver/mysql DSN ("user:pass@tcp(host:port)/").
	DSN string
	// Tables is an optional include-list of "schema.table" names; if set,
	// rows for other tables are skipped at the source.
	Tables []string
	// Blocking, if true, follows the log indefinitely. If false, the
	// publisher drains the log up to the master's position at Run time
	// and returns.
	Blocking bool
	// ServerID is this replica's identifier; a random value in
	// [1e9, 2^32-1] is chosen if zero.
	ServerID uint32
	// ResumeAt optionally starts the stream at a saved cursor instead of
	// the master's current position.
	ResumeAt *models.BinlogCursor
}

// Publisher consumes a MySQL primary's row-based replication log and
// publishes "{table}_{action}" / "{table}_{action}_raw" signals, plus a
// running "mysql_binlog_pos" cursor signal, onto a signalbus.Bus.
type Publisher struct {
	cfg    Config
	bus    *signalbus.Bus
	logger *log.Logger

	mu    sync.Mutex
	canal *canal.Canal
}

// New validates cfg and returns a Publisher. It does not connect to MySQL;
// that happens in Run.
func New(cfg Config, bus *signalbus.Bus, logger *log.Logger) (*Publisher, error) {
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}
	if cfg.ServerID == 0 {
		cfg.ServerID = uint32(1_000_000_000 + rand.Int63n(int64(^uint32(0))-1_000_000_000+1))
	}
	if logger == nil {
		logger = log.New(log.Writer(), "meepo.binlogpub: ", log.LstdFlags)
	}
	return &Publisher{cfg: cfg, bus: bus, logger: logger}, nil
}

// Run connects to the primary and streams row events until ctx is
// cancelled, the stream errors, or (in non-blocking mode) the log has been
// drained up to the master's position observed at call time.
func (p *Publisher) Run(ctx context.Context) error {
	dsnCfg, err := mysqldriver.ParseDSN(p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("binlogpub: parse dsn: %w", err)
	}

	ccfg := canal.NewDefaultConfig()
	ccfg.Addr = dsnCfg.Addr
	ccfg.User = dsnCfg.User
	ccfg.Password = dsnCfg.Passwd
	ccfg.ServerID = p.cfg.ServerID
	ccfg.Dump.ExecutionPath = "" // never mysqldump; replicate from the log only
	if len(p.cfg.Tables) > 0 {
		ccfg.IncludeTableRegex = make([]string, len(p.cfg.Tables))
		for i, t := range p.cfg.Tables {
			ccfg.IncludeTableRegex[i] = "^" + regexp.QuoteMeta(t) + "$"
		}
	}

	c, err := canal.NewCanal(ccfg)
	if err != nil {
		return fmt.Errorf("binlogpub: new canal: %w", err)
	}
	p.mu.Lock()
	p.canal = c
	p.mu.Unlock()

	var targetPos *gmysql.Position
	if !p.cfg.Blocking {
		pos, err := p.masterPosition(dsnCfg)
		if err != nil {
			c.Close()
			return fmt.Errorf("binlogpub: master position: %w", err)
		}
		targetPos = &pos
	}

	h := &eventHandler{pub: p, targetPos: targetPos}
	c.SetEventHandler(h)

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	startPos := gmysql.Position{}
	if p.cfg.ResumeAt != nil {
		startPos = gmysql.Position{Name: p.cfg.ResumeAt.LogFile, Pos: p.cfg.ResumeAt.LogPos}
	} else {
		pos, err := c.GetMasterPos()
		if err != nil {
			c.Close()
			return fmt.Errorf("binlogpub: master position: %w", err)
		}
		startPos = pos
	}

	if err := c.RunFrom(startPos); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("binlogpub: run: %w", err)
	}
	return nil
}

// Close stops an in-progress Run early. Safe to call even if Run was never
// started.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.canal != nil {
		p.canal.Close()
	}
}

func (p *Publisher) masterPosition(dsnCfg *mysqldriver.Config) (gmysql.Position, error) {
	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return gmysql.Position{}, err
	}
	defer db.Close()

	var file string
	var pos uint32
	var unused1, unused2, unused3 sql.NullString
	if err := db.QueryRow("SHOW MASTER STATUS").Scan(&file, &pos, &unused1, &unused2, &unused3); err != nil {
		return gmysql.Position{}, err
	}
	return gmysql.Position{Name: file, Pos: pos}, nil
}

// eventHandler adapts canal's EventHandler callbacks to Publisher's signal
// emission rules (spec.md §4.2 steps 1-5).
type eventHandler struct {
	canal.DummyEventHandler
	pub       *Publisher
	targetPos *gmysql.Position
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.pub.logger.Printf("decode failure on %s.%s, skipping event: %v", e.Table.Schema, e.Table.Name, r)
			err = nil
		}
	}()

	table := e.Table.Name
	action, step, ok := translateAction(e.Action)
	if !ok {
		return nil
	}

	if len(e.Table.PKColumns) == 0 {
		return nil
	}

	ts := int64(e.Header.Timestamp)

	for i := 0; i+step <= len(e.Rows); i += step {
		var values, afterValues []interface{}
		if action == models.Update {
			values, afterValues = e.Rows[i], e.Rows[i+1]
		} else {
			values = e.Rows[i]
		}

		// Per spec, update's pk is taken from after_values; write/delete
		// use values.
		pkSource := values
		if action == models.Update {
			pkSource = afterValues
		}
		pk := extractPK(e.Table.PKColumns, pkSource)

		ev := models.Event{Table: table, Action: action, PK: pk, Ts: ts}
		h.pub.bus.Send(ev.Topic(), h.pub, ev)

		raw := models.RawRowEvent{Table: table, Action: action}
		switch action {
		case models.Update:
			raw.Before = rowToMap(e.Table, values)
			raw.After = rowToMap(e.Table, afterValues)
		case models.Delete:
			raw.Before = rowToMap(e.Table, values)
		default:
			raw.After = rowToMap(e.Table, values)
		}
		h.pub.bus.Send(models.RawTopic(table, action), h.pub, raw)
	}

	return nil
}

// OnPosSynced sends mysql_binlog_pos. canal calls it only when it saves a
// position (a transaction commit, a log rotation or a DDL statement), so the
// cursor is sent once per such point, not after every rows event.
func (h *eventHandler) OnPosSynced(header *replication.EventHeader, pos gmysql.Position, set gmysql.GTIDSet, force bool) error {
	h.pub.bus.Send("mysql_binlog_pos", h.pub, models.BinlogCursor{LogFile: pos.Name, LogPos: pos.Pos})

	if h.targetPos != nil && pos.Compare(*h.targetPos) >= 0 {
		go h.pub.Close()
	}
	return nil
}

func (h *eventHandler) String() string { return "meepo.binlogpub" }

// translateAction maps a canal row-event action to a meepo Action and the
// row-group step (2 for update's before/after pairs, 1 otherwise).
func translateAction(action string) (models.Action, int, bool) {
	switch action {
	case canal.InsertAction:
		return models.Write, 1, true
	case canal.UpdateAction:
		return models.Update, 2, true
	case canal.DeleteAction:
		return models.Delete, 1, true
	default:
		return "", 0, false
	}
}

// extractPK applies spec.md §4.2 step 3: single named column unwrapped,
// composite as an ordered tuple.
func extractPK(pkColumns []int, row []interface{}) models.PrimaryKey {
	values := make([]interface{}, len(pkColumns))
	for i, idx := range pkColumns {
		if idx < len(row) {
			values[i] = row[idx]
		}
	}
	return models.CompositePK(values...)
}

func rowToMap(table *schema.Table, row []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(table.Columns))
	for i, col := range table.Columns {
		if i < len(row) {
			out[col.Name] = row[i]
		}
	}
	return out
}
