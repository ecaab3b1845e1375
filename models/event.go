// Package models holds the data shapes shared across meepo's publishers,
// stores and replicator: events, raw row payloads, primary keys and
// transaction staging state.
package models

import (
	"fmt"
	"strings"
)

// Action is the kind of row mutation a publisher observed.
type Action string

const (
	Write  Action = "write"
	Update Action = "update"
	Delete Action = "delete"
)

func (a Action) String() string { return string(a) }

// Topic returns the "{table}_{action}" signal/transport name for a table.
func Topic(table string, action Action) string {
	return fmt.Sprintf("%s_%s", table, action)
}

// RawTopic returns the "{table}_{action}_raw" twin signal name.
func RawTopic(table string, action Action) string {
	return Topic(table, action) + "_raw"
}

// PrimaryKey is either a scalar or an ordered tuple of scalars (composite
// key). Single-column keys are unwrapped, never wrapped in a one-element
// slice, matching the source's tuple-unwrapping rule.
type PrimaryKey struct {
	scalar  interface{}
	tuple   []interface{}
	isTuple bool
}

// PK builds a single-column primary key.
func PK(v interface{}) PrimaryKey {
	return PrimaryKey{scalar: v}
}

// CompositePK builds an ordered composite primary key. A single-element
// slice is unwrapped to a scalar key, matching the spec's unwrap rule.
func CompositePK(values ...interface{}) PrimaryKey {
	if len(values) == 1 {
		return PK(values[0])
	}
	return PrimaryKey{tuple: values, isTuple: true}
}

// IsComposite reports whether the key is an ordered tuple.
func (pk PrimaryKey) IsComposite() bool { return pk.isTuple }

// Values returns the key as a slice, a single element for scalar keys.
func (pk PrimaryKey) Values() []interface{} {
	if pk.isTuple {
		return pk.tuple
	}
	return []interface{}{pk.scalar}
}

// String renders the key for wire transport and hash-ring lookups: a
// single scalar renders bare, a composite key joins its parts with "-".
func (pk PrimaryKey) String() string {
	vals := pk.Values()
	if len(vals) == 1 {
		return fmt.Sprint(vals[0])
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "-")
}

// Event is the (table, action, pk, ts) tuple produced by a publisher.
type Event struct {
	Table  string
	Action Action
	PK     PrimaryKey
	Ts     int64
}

func (e Event) Topic() string { return Topic(e.Table, e.Action) }

// RawRowEvent is the side-channel payload accompanying an Event: for
// write/delete the full post-image/pre-image, for update both images.
type RawRowEvent struct {
	Table  string
	Action Action
	Before map[string]interface{}
	After  map[string]interface{}
}

// BinlogCursor is the position reached in the primary's replication stream.
type BinlogCursor struct {
	LogFile string
	LogPos  uint32
}

func (c BinlogCursor) String() string {
	return fmt.Sprintf("%s:%d", c.LogFile, c.LogPos)
}
