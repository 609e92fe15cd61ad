// Package nwb models an NWB file made of DynamicTables and stores it in the
// NWB-Zarr layout on an object store.
package nwb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/google/uuid"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

const (
	namespaceCore   = "core"
	namespaceCommon = "hdmf-common"
	namespaceEvents = "ndx-events"

	typeDynamicTable = "DynamicTable"
	typeEventsTable  = "EventsTable"
	typeMeanings     = "MeaningsTable"
)

// DynamicTable is a named table with a free-text description. Tables read
// back from storage load their rows on first use.
type DynamicTable struct {
	Name          string
	Description   string
	NeurodataType string
	Namespace     string
	ObjectID      string

	colnames []string
	data     *frame.Frame
	load     func(ctx context.Context) (*frame.Frame, error)
}

// NewTable wraps f as a DynamicTable. The frame is cleaned so it can be
// stored: nulls are filled and column names made key-safe.
func NewTable(name, description string, f *frame.Frame) *DynamicTable {
	if f == nil {
		f = &frame.Frame{}
	}
	data := f.Clean()
	var index *frame.Column
	for i, c := range f.Columns {
		if f.Index != "" && c.Name == f.Index {
			index = data.Columns[i]
		}
	}
	seen := make(map[string]bool, len(data.Columns))
	for _, c := range data.Columns {
		c.Name = uniqueKey(columnKey(c.Name), seen)
	}
	data.Index = ""
	if index != nil {
		data.Index = index.Name
	}
	return &DynamicTable{
		Name:          name,
		Description:   description,
		NeurodataType: typeDynamicTable,
		Namespace:     namespaceCommon,
		ObjectID:      uuid.NewString(),
		colnames:      data.Names(),
		data:          data,
	}
}

// columnKey keeps a column name from colliding with the id dataset or the
// zarr metadata files.
func columnKey(name string) string {
	if name == "" {
		return "_"
	}
	if name == "id" {
		return "id_"
	}
	if strings.HasPrefix(name, ".") {
		return "_" + name[1:]
	}
	return name
}

// uniqueKey suffixes key with _1, _2, ... until it is not in seen, then
// records it. Cleaning can map distinct names such as "a/b" and "a_b" to
// the same key.
func uniqueKey(key string, seen map[string]bool) string {
	name := key
	for n := 1; seen[name]; n++ {
		name = fmt.Sprintf("%s_%d", key, n)
	}
	seen[name] = true
	return name
}

// Columns returns the column names in storage order.
func (t *DynamicTable) Columns() []string { return append([]string(nil), t.colnames...) }

// Frame returns the table rows, reading them from storage if needed.
func (t *DynamicTable) Frame(ctx context.Context) (*frame.Frame, error) {
	if t.data != nil {
		return t.data, nil
	}
	if t.load == nil {
		return &frame.Frame{}, nil
	}
	f, err := t.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", t.Name, err)
	}
	t.data = f
	return f, nil
}

// Dataframe materializes the table as an Arrow record. The caller releases it.
func (t *DynamicTable) Dataframe(ctx context.Context, mem memory.Allocator) (arrow.Record, error) {
	f, err := t.Frame(ctx)
	if err != nil {
		return nil, err
	}
	return f.ToArrow(mem), nil
}

// DescriptionJSON decodes the description as JSON into v.
func (t *DynamicTable) DescriptionJSON(v any) error {
	if err := json.Unmarshal([]byte(t.Description), v); err != nil {
		return fmt.Errorf("table %s: description is not JSON: %w", t.Name, err)
	}
	return nil
}

// Group is a name-keyed set of tables.
type Group struct {
	Name        string
	Description string
	tables      map[string]*DynamicTable
}

func newGroup(name, description string) *Group {
	return &Group{Name: name, Description: description, tables: map[string]*DynamicTable{}}
}

// Add inserts t; names must be unique within the group.
func (g *Group) Add(t *DynamicTable) error {
	if t.Name == "" {
		return fmt.Errorf("%s: table has no name", g.Name)
	}
	if strings.ContainsAny(t.Name, "/\\") {
		return fmt.Errorf("%s: table name %q contains a path separator", g.Name, t.Name)
	}
	if _, dup := g.tables[t.Name]; dup {
		return fmt.Errorf("%s: duplicate table %q", g.Name, t.Name)
	}
	g.tables[t.Name] = t
	return nil
}

// Keys returns the table names in sorted order.
func (g *Group) Keys() []string {
	keys := make([]string, 0, len(g.tables))
	for k := range g.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Table returns the table called name.
func (g *Group) Table(name string) (*DynamicTable, bool) {
	t, ok := g.tables[name]
	return t, ok
}

// Len returns the number of tables.
func (g *Group) Len() int { return len(g.tables) }
