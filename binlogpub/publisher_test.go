package binlogpub

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-mysql-org/go-mysql/schema"

	"meepo/models"
	"meepo/signalbus"
)

func newTestHandler(t *testing.T) (*eventHandler, *signalbus.Bus) {
	t.Helper()
	bus := signalbus.New()
	pub, err := New(Config{DSN: "user:pass@tcp(127.0.0.1:3306)/db"}, bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &eventHandler{pub: pub}, bus
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New(Config{}, signalbus.New(), nil); err != ErrNoDSN {
		t.Fatalf("expected ErrNoDSN, got %v", err)
	}
}

func TestOnRowSkipsTableWithNoPrimaryKeyMetadata(t *testing.T) {
	h, bus := newTestHandler(t)
	fired := false
	bus.Connect("orders_write", nil, func(sender signalbus.Sender, payload interface{}) { fired = true })

	table := &schema.Table{Schema: "db", Name: "orders", Columns: []schema.TableColumn{{Name: "id"}}}
	e := &canal.RowsEvent{
		Table:  table,
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{int64(1)}},
		Header: &replication.EventHeader{Timestamp: 100},
	}
	if err := h.OnRow(e); err != nil {
		t.Fatalf("OnRow: %v", err)
	}
	if fired {
		t.Fatal("expected no signal for a table with no primary-key metadata")
	}
}

func TestOnRowSingleColumnPKUnwrapped(t *testing.T) {
	h, bus := newTestHandler(t)
	var got models.Event
	bus.Connect("orders_write", nil, func(sender signalbus.Sender, payload interface{}) {
		got = payload.(models.Event)
	})

	table := &schema.Table{
		Schema:    "db",
		Name:      "orders",
		Columns:   []schema.TableColumn{{Name: "id"}, {Name: "total"}},
		PKColumns: []int{0},
	}
	e := &canal.RowsEvent{
		Table:  table,
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{int64(42), int64(999)}},
		Header: &replication.EventHeader{Timestamp: 100},
	}
	if err := h.OnRow(e); err != nil {
		t.Fatalf("OnRow: %v", err)
	}

	if got.Table != "orders" || got.Action != models.Write {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.PK.IsComposite() {
		t.Fatal("expected single-column pk to be unwrapped, not a composite tuple")
	}
	if got.PK.String() != "42" {
		t.Fatalf("expected pk 42, got %s", got.PK.String())
	}
}

func TestOnRowCompositePKOrderedTuple(t *testing.T) {
	h, bus := newTestHandler(t)
	var got models.Event
	bus.Connect("line_items_delete", nil, func(sender signalbus.Sender, payload interface{}) {
		got = payload.(models.Event)
	})

	table := &schema.Table{
		Schema:    "db",
		Name:      "line_items",
		Columns:   []schema.TableColumn{{Name: "order_id"}, {Name: "sku"}, {Name: "qty"}},
		PKColumns: []int{0, 1},
	}
	e := &canal.RowsEvent{
		Table:  table,
		Action: canal.DeleteAction,
		Rows:   [][]interface{}{{int64(7), "SKU-1", int64(3)}},
		Header: &replication.EventHeader{Timestamp: 100},
	}
	if err := h.OnRow(e); err != nil {
		t.Fatalf("OnRow: %v", err)
	}

	if !got.PK.IsComposite() {
		t.Fatal("expected a composite primary key")
	}
	if got.PK.String() != "7-SKU-1" {
		t.Fatalf("expected ordered tuple 7-SKU-1, got %s", got.PK.String())
	}
}

func TestOnRowUpdateUsesAfterValuesForPK(t *testing.T) {
	h, bus := newTestHandler(t)
	var got models.Event
	bus.Connect("accounts_update", nil, func(sender signalbus.Sender, payload interface{}) {
		got = payload.(models.Event)
	})

	table := &schema.Table{
		Schema:    "db",
		Name:      "accounts",
		Columns:   []schema.TableColumn{{Name: "id"}, {Name: "balance"}},
		PKColumns: []int{0},
	}
	e := &canal.RowsEvent{
		Table:  table,
		Action: canal.UpdateAction,
		Rows: [][]interface{}{
			{int64(1), int64(100)}, // before
			{int64(1), int64(150)}, // after
		},
		Header: &replication.EventHeader{Timestamp: 100},
	}
	if err := h.OnRow(e); err != nil {
		t.Fatalf("OnRow: %v", err)
	}
	if got.PK.String() != "1" {
		t.Fatalf("expected pk 1 from after_values, got %s", got.PK.String())
	}
}

func TestOnRowEmitsRawTwinSignalWithFullRowPayload(t *testing.T) {
	h, bus := newTestHandler(t)
	var pkFired, rawFired bool
	var raw models.RawRowEvent
	bus.Connect("orders_write", nil, func(sender signalbus.Sender, payload interface{}) { pkFired = true })
	bus.Connect("orders_write_raw", nil, func(sender signalbus.Sender, payload interface{}) {
		rawFired = true
		raw = payload.(models.RawRowEvent)
	})

	table := &schema.Table{
		Schema:    "db",
		Name:      "orders",
		Columns:   []schema.TableColumn{{Name: "id"}, {Name: "total"}},
		PKColumns: []int{0},
	}
	e := &canal.RowsEvent{
		Table:  table,
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{int64(1), int64(500)}},
		Header: &replication.EventHeader{Timestamp: 100},
	}
	if err := h.OnRow(e); err != nil {
		t.Fatalf("OnRow: %v", err)
	}

	if !pkFired || !rawFired {
		t.Fatal("expected both the pk signal and its _raw twin to fire")
	}
	if raw.After["total"] != int64(500) {
		t.Fatalf("expected raw payload to carry full row, got %+v", raw.After)
	}
}

func TestOnRowSkipsUnknownAction(t *testing.T) {
	h, bus := newTestHandler(t)
	fired := false
	bus.Connect("orders_write", nil, func(sender signalbus.Sender, payload interface{}) { fired = true })

	table := &schema.Table{
		Schema:    "db",
		Name:      "orders",
		Columns:   []schema.TableColumn{{Name: "id"}},
		PKColumns: []int{0},
	}
	e := &canal.RowsEvent{
		Table:  table,
		Action: "unknown",
		Rows:   [][]interface{}{{int64(1)}},
		Header: &replication.EventHeader{Timestamp: 100},
	}
	if err := h.OnRow(e); err != nil {
		t.Fatalf("OnRow: %v", err)
	}
	if fired {
		t.Fatal("expected unrecognized row actions to be skipped")
	}
}
