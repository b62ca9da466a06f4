// Package stats implements named counter tables the protocol endpoints use
// to report what happened during a run: sends, retransmissions, deliveries,
// corrupt drops. Tables marshal to JSON for the CLI summaries.
package stats

import (
	"fmt"
	"sync/atomic"

	"github.com/intel-go/fastjson"
)

// Counter is one named value in a table. Counters are updated from event
// loops and read from application goroutines, so access is atomic.
type Counter struct {
	Name     string
	Help     string
	Unit     string
	DumpZero bool

	val uint64
}

// Inc adds one.
func (c *Counter) Inc() { atomic.AddUint64(&c.val, 1) }

// Add adds n.
func (c *Counter) Add(n uint64) { atomic.AddUint64(&c.val, n) }

// Value returns the current counter value.
func (c *Counter) Value() uint64 { return atomic.LoadUint64(&c.val) }

// Table is the set of counters owned by one endpoint.
type Table struct {
	Name string
	recs []*Counter
}

// NewTable returns an empty counter table.
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// New registers and returns a counter.
func (t *Table) New(name, help, unit string) *Counter {
	c := &Counter{Name: name, Help: help, Unit: unit}
	t.recs = append(t.recs, c)
	return c
}

// Get returns the named counter, or nil.
func (t *Table) Get(name string) *Counter {
	for _, c := range t.recs {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type dumpRec struct {
	Name  string `json:"name"`
	Help  string `json:"help"`
	Unit  string `json:"unit"`
	Value uint64 `json:"val"`
}

// Dump marshals the table to JSON, skipping zero counters unless DumpZero
// is set on the record.
func (t *Table) Dump() ([]byte, error) {
	out := struct {
		Name     string    `json:"name"`
		Counters []dumpRec `json:"counters"`
	}{Name: t.Name}
	for _, c := range t.recs {
		v := c.Value()
		if v == 0 && !c.DumpZero {
			continue
		}
		out.Counters = append(out.Counters, dumpRec{
			Name: c.Name, Help: c.Help, Unit: c.Unit, Value: v,
		})
	}
	return fastjson.Marshal(&out)
}

// String renders the table for the end-of-run summaries.
func (t *Table) String() string {
	s := t.Name + ":"
	for _, c := range t.recs {
		v := c.Value()
		if v == 0 && !c.DumpZero {
			continue
		}
		s += fmt.Sprintf(" %s=%d", c.Name, v)
	}
	return s
}
