package table

import (
	"fmt"

	"github.com/arrowlake/lstore/bufferpool"
	"github.com/arrowlake/lstore/colindex"
	"github.com/arrowlake/lstore/config"
	"github.com/arrowlake/lstore/pagerange"
)

// State is the persisted shape of a table: everything that has no home
// in the page files themselves (RID counters, the live/recycled RID
// sets, and each page range's logical metadata). Restoring a Table from
// State and then rebuilding its index from the live set reproduces
// identical query results to before shutdown (spec.md's persistence
// idempotence property).
type State struct {
	Name             string
	NumColumns       int
	KeyColumn        int
	RIDIndex         int64
	RecycledBaseRIDs []int64
	LiveBaseRIDs     []int64
	Ranges           []pagerange.State
}

// ExportState snapshots everything needed to reconstruct t after a
// restart, for the caller to serialize (lstoredb writes it into
// tables.json).
func (t *Table) ExportState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	ranges := make([]pagerange.State, len(t.ranges))
	for i, pr := range t.ranges {
		ranges[i] = pr.ExportState()
	}
	live := make([]int64, 0, len(t.liveBaseRIDs))
	for rid := range t.liveBaseRIDs {
		live = append(live, rid)
	}
	recycled := make([]int64, len(t.recycledBaseRIDs))
	copy(recycled, t.recycledBaseRIDs)
	return State{
		Name:             t.Name,
		NumColumns:       t.NumColumns,
		KeyColumn:        t.KeyColumn,
		RIDIndex:         t.ridIndex,
		RecycledBaseRIDs: recycled,
		LiveBaseRIDs:     live,
		Ranges:           ranges,
	}
}

// Restore recreates a Table from a previously exported State, lazily
// creating one page range per persisted entry, then rebuilds the
// primary index by scanning the live RID set. Secondary indexes are not
// rebuilt: State does not record which ones existed, so they are absent
// until the caller issues CreateIndex again. A failure rebuilding the primary index (e.g. a corrupted
// page surfacing through the buffer pool mid-scan) is fatal: per
// spec.md's SerializationFault handling, the caller must refuse to
// start rather than hand back a table that silently answers every
// query as not-found.
func Restore(dir string, st State, bp *bufferpool.BufferPool, cfg config.Config) (*Table, error) {
	t := New(st.Name, dir, st.NumColumns, st.KeyColumn, bp, cfg)
	t.mu.Lock()
	t.ridIndex = st.RIDIndex
	t.recycledBaseRIDs = append([]int64(nil), st.RecycledBaseRIDs...)
	for _, rid := range st.LiveBaseRIDs {
		t.liveBaseRIDs[rid] = struct{}{}
	}
	for i, rs := range st.Ranges {
		pr := t.ensureRangeLocked(i)
		pr.ImportState(rs)
	}
	t.mu.Unlock()

	t.Index = colindex.NewManager(config.NumHiddenColumns + st.KeyColumn)
	if err := t.Index.CreateIndex(config.NumHiddenColumns+st.KeyColumn, t); err != nil {
		return nil, fmt.Errorf("table: restore %s: rebuild primary index: %w", st.Name, err)
	}
	for rid := range t.liveBaseRIDs {
		schema, err := t.columnSchemaEncoding(rid)
		if err == nil {
			t.mu.Lock()
			t.accumSchema[rid] = schema
			t.mu.Unlock()
		}
	}
	return t, nil
}

func (t *Table) columnSchemaEncoding(baseRID int64) (uint64, error) {
	pr, pageIdx, slot, err := t.rangeForRID(baseRID)
	if err != nil {
		return 0, err
	}
	v, err := pr.ReadColumn(baseRID, pageIdx, slot, config.ColSchemaEncoding)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}
