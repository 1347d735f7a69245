// Package pagerange implements the page range: the unit that groups a
// fixed number of base pages with an unbounded tail-page region per
// column, and that translates RIDs into physical (column, page, slot)
// locations.
package pagerange

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/arrowlake/lstore/bufferpool"
	"github.com/arrowlake/lstore/config"
)

// ErrMissingDirectoryEntry is returned when a logical RID's column entry
// is absent from logical_directory — the caller must walk backward via
// INDIRECTION to resolve it (spec.md section 4.3's "column location" rule).
var ErrMissingDirectoryEntry = fmt.Errorf("pagerange: no directory entry for this column")

// PageRange groups config.RecordsPerRange() base records for a table,
// plus the tail-page region serving updates to those records.
type PageRange struct {
	mu sync.Mutex // page_range_lock: guards tps, logicalRidIndex, tailPageIndex, logicalDirectory, recycled

	index      int    // which page range this is, within the table
	dir        string // directory holding this range's Page_<col>_<pg>.bin files
	numColumns int    // user columns C
	bufferPool *bufferpool.BufferPool

	recordsPerRange int64 // T: MAX_PAGE_RANGE * PAGE_CAPACITY
	maxPageRange    int   // base pages per column

	tailPageIndex      []int              // current tail page (relative, 0-based) per user column
	logicalDirectory   map[int64][]int64  // logical_rid -> per-user-column physical offset (or RecordNoneValue)
	logicalRIDIndex    int64              // next logical RID to hand out
	recycledLogicalRID []int64            // FIFO of freed logical RIDs
	tps                int64
	baseRecordCount    int64 // number of base records written into this range so far
}

// New creates an empty page range backed by dir (created lazily on first write).
func New(rangeIndex int, dir string, numColumns int, bp *bufferpool.BufferPool, cfg config.Config) *PageRange {
	return &PageRange{
		index:            rangeIndex,
		dir:              dir,
		numColumns:       numColumns,
		bufferPool:       bp,
		recordsPerRange:  int64(cfg.RecordsPerRange()),
		maxPageRange:     cfg.MaxPageRange,
		tailPageIndex:    make([]int, numColumns),
		logicalDirectory: make(map[int64][]int64),
		logicalRIDIndex:  int64(cfg.RecordsPerRange()),
	}
}

// Index returns this range's position among the table's page ranges.
func (pr *PageRange) Index() int { return pr.index }

// Threshold returns T, the base/logical RID split point for this range's
// owning table (all ranges of a table share the same T).
func (pr *PageRange) Threshold() int64 { return pr.recordsPerRange }

func (pr *PageRange) columnPath(col, pg int) string {
	return filepath.Join(pr.dir, fmt.Sprintf("Page_%d_%d.bin", col, pg))
}

// WriteBaseRecord writes columns (length NumHiddenColumns+numColumns) at
// (pageIdx, slot) in this range's base pages. columns[ColIndirection] is
// overwritten with the self-pointer rid%T, per spec.md.
func (pr *PageRange) WriteBaseRecord(pageIdx, slot int, columns []int64) error {
	rid := columns[config.ColRID]
	columns[config.ColIndirection] = rid % pr.recordsPerRange

	for col, v := range columns {
		if err := pr.bufferPool.WritePageSlot(pr.columnPath(col, pageIdx), slot, v); err != nil {
			return fmt.Errorf("pagerange: write base record col %d: %w", col, err)
		}
	}

	pr.mu.Lock()
	pr.tps++
	pr.baseRecordCount++
	pr.mu.Unlock()
	return nil
}

// CopyBaseRecord reads every column (hidden + user) of the base record at
// (pageIdx, slot), used by the merge worker to snapshot a base image.
func (pr *PageRange) CopyBaseRecord(pageIdx, slot, totalColumns int) ([]int64, error) {
	out := make([]int64, totalColumns)
	for col := 0; col < totalColumns; col++ {
		v, err := pr.bufferPool.ReadPageSlot(pr.columnPath(col, pageIdx), slot)
		if err != nil {
			return nil, fmt.Errorf("pagerange: copy base record col %d: %w", col, err)
		}
		out[col] = v
	}
	return out, nil
}

// tailPhysicalPage converts a tail-region-relative page number to the
// physical page index in the flat per-column file namespace (base pages
// occupy [0, maxPageRange), tail pages occupy [maxPageRange, ...)).
func (pr *PageRange) tailPhysicalPage(relative int) int {
	return pr.maxPageRange + relative
}

// WriteTailRecord writes a new tail version for logicalRID. columns has
// length NumHiddenColumns+numColumns; user columns holding
// config.RecordNoneValue are skipped (not physically written, not
// present in this version's schema).
func (pr *PageRange) WriteTailRecord(logicalRID int64, columns []int64) error {
	row := make([]int64, pr.numColumns)
	for i := range row {
		row[i] = config.RecordNoneValue
	}

	hiddenPageIdx := pr.tailPhysicalPage(int(logicalRID / int64(config.DefaultPageCapacity)))
	hiddenSlot := int(logicalRID % int64(config.DefaultPageCapacity))

	for col := 0; col < config.NumHiddenColumns; col++ {
		if err := pr.bufferPool.WritePageSlot(pr.columnPath(col, hiddenPageIdx), hiddenSlot, columns[col]); err != nil {
			return fmt.Errorf("pagerange: write tail hidden col %d: %w", col, err)
		}
	}

	for j := 0; j < pr.numColumns; j++ {
		col := config.NumHiddenColumns + j
		value := columns[col]
		if value == config.RecordNoneValue {
			continue
		}

		pr.mu.Lock()
		physPage := pr.tailPhysicalPage(pr.tailPageIndex[j])
		hasCapacity, err := pr.bufferPool.GetPageHasCapacity(pr.columnPath(col, physPage))
		if err == nil && !hasCapacity {
			pr.tailPageIndex[j]++
			physPage = pr.tailPhysicalPage(pr.tailPageIndex[j])
		}
		relative := pr.tailPageIndex[j]
		pr.mu.Unlock()

		slot, err := pr.bufferPool.WritePageNext(pr.columnPath(col, physPage), value)
		if err != nil {
			return fmt.Errorf("pagerange: write tail col %d: %w", col, err)
		}
		row[j] = int64(relative)*int64(config.DefaultPageCapacity) + int64(slot)
	}

	pr.mu.Lock()
	pr.logicalDirectory[logicalRID] = row
	pr.tps++
	pr.mu.Unlock()
	return nil
}

// ColumnLocation resolves (logicalRID, col) to a physical (pageIdx, slot).
// For hidden columns the location is purely arithmetic and always
// resolves. For user columns, ok is false if this tail version never
// physically wrote that column (the caller must walk INDIRECTION).
func (pr *PageRange) ColumnLocation(logicalRID int64, col int) (pageIdx, slot int, ok bool) {
	if col < config.NumHiddenColumns {
		pageIdx = pr.tailPhysicalPage(int(logicalRID / int64(config.DefaultPageCapacity)))
		slot = int(logicalRID % int64(config.DefaultPageCapacity))
		return pageIdx, slot, true
	}

	pr.mu.Lock()
	row, exists := pr.logicalDirectory[logicalRID]
	pr.mu.Unlock()
	if !exists {
		return 0, 0, false
	}
	j := col - config.NumHiddenColumns
	if j < 0 || j >= len(row) || row[j] == config.RecordNoneValue {
		return 0, 0, false
	}
	offset := row[j]
	relative := int(offset / int64(config.DefaultPageCapacity))
	slot = int(offset % int64(config.DefaultPageCapacity))
	return pr.tailPhysicalPage(relative), slot, true
}

// ReadTailRecordColumn reads a user or hidden column of a tail record.
// ok is false (no error) when the column was not physically written in
// this tail version and the chain must be walked further back.
func (pr *PageRange) ReadTailRecordColumn(logicalRID int64, col int) (value int64, ok bool, err error) {
	pageIdx, slot, found := pr.ColumnLocation(logicalRID, col)
	if !found {
		return 0, false, nil
	}
	v, err := pr.bufferPool.ReadPageSlot(pr.columnPath(col, pageIdx), slot)
	if err != nil {
		return 0, false, fmt.Errorf("pagerange: read tail col %d: %w", col, err)
	}
	return v, true, nil
}

// readIndirection reads the INDIRECTION column for either a base RID
// (< T) or a logical RID (>= T).
func (pr *PageRange) readIndirection(rid int64, basePageIdx, baseSlot int) (int64, error) {
	if rid < pr.recordsPerRange {
		return pr.bufferPool.ReadPageSlot(pr.columnPath(config.ColIndirection, basePageIdx), baseSlot)
	}
	v, ok, err := pr.ReadTailRecordColumn(rid, config.ColIndirection)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("pagerange: %w: rid %d indirection", ErrMissingDirectoryEntry, rid)
	}
	return v, nil
}

// Indirection is the exported form of readIndirection, used by callers
// walking a version chain one hop at a time (query reads, merge).
func (pr *PageRange) Indirection(rid int64, basePageIdx, baseSlot int) (int64, error) {
	return pr.readIndirection(rid, basePageIdx, baseSlot)
}

// ReadColumn reads any column (hidden or user) of a base (rid < T) or
// tail (rid >= T) record, given the base record's own physical location
// for when rid turns out to be a base RID.
func (pr *PageRange) ReadColumn(rid int64, basePageIdx, baseSlot, col int) (int64, error) {
	if rid < pr.recordsPerRange {
		return pr.bufferPool.ReadPageSlot(pr.columnPath(col, basePageIdx), baseSlot)
	}
	v, ok, err := pr.ReadTailRecordColumn(rid, col)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("pagerange: %w: rid %d col %d", ErrMissingDirectoryEntry, rid, col)
	}
	return v, nil
}

// WriteColumn overwrites a hidden column of a base (rid < T) or tail
// (rid >= T) record in place; hidden columns always live at the fixed
// arithmetic location regardless of region. Used to flip a base record's
// INDIRECTION/SCHEMA_ENCODING/UPDATE_TIMESTAMP after an update or merge,
// and to splice the merge's base-image copy into an existing chain by
// rewriting a tail entry's INDIRECTION. Not valid for a tail record's
// user columns, whose physical offset is only known via logical_directory.
func (pr *PageRange) WriteColumn(rid int64, basePageIdx, baseSlot, col int, value int64) error {
	if rid < pr.recordsPerRange {
		return pr.bufferPool.WritePageSlot(pr.columnPath(col, basePageIdx), baseSlot, value)
	}
	pageIdx := pr.tailPhysicalPage(int(rid / int64(config.DefaultPageCapacity)))
	slot := int(rid % int64(config.DefaultPageCapacity))
	return pr.bufferPool.WritePageSlot(pr.columnPath(col, pageIdx), slot, value)
}

// FindRecordsLastLogicalRID walks INDIRECTION starting from headRID
// (normally a base record's current INDIRECTION value, i.e. the newest
// tail RID in its chain) until it observes a base RID (< T), and returns
// the last logical RID seen before that — the oldest tail version,
// where the merge worker splices its base-image copy.
func (pr *PageRange) FindRecordsLastLogicalRID(headRID int64, basePageIdx, baseSlot int) (int64, error) {
	if headRID < pr.recordsPerRange {
		// No updates yet: the chain is just the base record itself.
		return headRID, nil
	}
	cur := headRID
	last := headRID
	for {
		next, err := pr.readIndirection(cur, basePageIdx, baseSlot)
		if err != nil {
			return 0, err
		}
		if next < pr.recordsPerRange {
			return last, nil
		}
		last = next
		cur = next
	}
}

// AssignLogicalRID returns a recycled RID if one is available, else the
// next unused logical RID.
func (pr *PageRange) AssignLogicalRID() int64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if n := len(pr.recycledLogicalRID); n > 0 {
		rid := pr.recycledLogicalRID[0]
		pr.recycledLogicalRID = pr.recycledLogicalRID[1:]
		return rid
	}
	rid := pr.logicalRIDIndex
	pr.logicalRIDIndex++
	return rid
}

// RecycleLogicalRID returns a logical RID to the free FIFO (called by the
// deallocation worker as it walks a deleted record's chain).
func (pr *PageRange) RecycleLogicalRID(rid int64) {
	pr.mu.Lock()
	pr.recycledLogicalRID = append(pr.recycledLogicalRID, rid)
	delete(pr.logicalDirectory, rid)
	pr.mu.Unlock()
}

// HasCapacity reports whether localRID (a RID already reduced mod T) is
// within this range's base-record address space.
func (pr *PageRange) HasCapacity(localRID int64) bool {
	return localRID >= 0 && localRID < pr.recordsPerRange
}

// State is the persisted shape of a page range's logical metadata: the
// physical page contents live in the Page_<col>_<pg>.bin files
// themselves, but the directory mapping logical RIDs to physical
// offsets, the RID counters, and the recycled-RID FIFO have no other
// home and must round-trip through tables.json.
type State struct {
	TailPageIndex      []int
	LogicalDirectory   map[int64][]int64
	LogicalRIDIndex    int64
	RecycledLogicalRID []int64
	TPS                int64
	BaseRecordCount    int64
}

// ExportState snapshots this range's in-memory metadata for persistence.
func (pr *PageRange) ExportState() State {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	dir := make(map[int64][]int64, len(pr.logicalDirectory))
	for k, v := range pr.logicalDirectory {
		cp := make([]int64, len(v))
		copy(cp, v)
		dir[k] = cp
	}
	tpi := make([]int, len(pr.tailPageIndex))
	copy(tpi, pr.tailPageIndex)
	recycled := make([]int64, len(pr.recycledLogicalRID))
	copy(recycled, pr.recycledLogicalRID)
	return State{
		TailPageIndex:      tpi,
		LogicalDirectory:   dir,
		LogicalRIDIndex:    pr.logicalRIDIndex,
		RecycledLogicalRID: recycled,
		TPS:                pr.tps,
		BaseRecordCount:    pr.baseRecordCount,
	}
}

// ImportState restores previously exported metadata, e.g. after reopening
// a database. Must be called before any write/read on pr.
func (pr *PageRange) ImportState(s State) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if len(s.TailPageIndex) == pr.numColumns {
		copy(pr.tailPageIndex, s.TailPageIndex)
	}
	pr.logicalDirectory = s.LogicalDirectory
	if pr.logicalDirectory == nil {
		pr.logicalDirectory = make(map[int64][]int64)
	}
	pr.logicalRIDIndex = s.LogicalRIDIndex
	pr.recycledLogicalRID = append([]int64(nil), s.RecycledLogicalRID...)
	pr.tps = s.TPS
	pr.baseRecordCount = s.BaseRecordCount
}

// TPS returns the current tail-page-sequence counter.
func (pr *PageRange) TPS() int64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.tps
}

// BaseRecordCount returns the number of base records written so far.
func (pr *PageRange) BaseRecordCount() int64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.baseRecordCount
}
