// Package table implements the Table component: owns a buffer pool,
// page ranges, the column index, RID allocation, and the background
// merge and deallocation workers. It is the unit a Query operates
// against.
package table

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/arrowlake/lstore/bufferpool"
	"github.com/arrowlake/lstore/colindex"
	"github.com/arrowlake/lstore/config"
	"github.com/arrowlake/lstore/pagerange"
)

// ErrDuplicateKey is returned by Insert when the primary key already exists.
var ErrDuplicateKey = fmt.Errorf("table: duplicate primary key")

// ErrNotFound is returned when a RID or key does not resolve to a live record.
var ErrNotFound = fmt.Errorf("table: record not found")

// ErrInvariant marks an internal consistency failure: an unallocated RID
// was addressed, or a logical RID lookup missed its directory entry.
var ErrInvariant = fmt.Errorf("table: invariant violation")

// Table owns every physical and logical structure for one named relation.
type Table struct {
	Name       string
	Dir        string
	NumColumns int // C, user columns
	KeyColumn  int // which user column (0-based) is the primary key

	cfg        config.Config
	bufferPool *bufferpool.BufferPool

	mu               sync.Mutex
	ranges           []*pagerange.PageRange
	ridIndex         int64
	recycledBaseRIDs []int64
	liveBaseRIDs     map[int64]struct{}
	// accumSchema tracks, per base RID, the union of user columns touched
	// since the last merge — mirrors the base record's own
	// SCHEMA_ENCODING column, kept in memory for quick merge access.
	accumSchema map[int64]uint64

	Index *colindex.Manager

	deallocationQueue chan int64
	mergeQueue        chan int // page range index

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// totalColumns is NUM_HIDDEN_COLUMNS + C.
func (t *Table) totalColumns() int { return config.NumHiddenColumns + t.NumColumns }

// New creates an empty table. Background workers are not started until
// StartWorkers is called.
func New(name, dir string, numColumns, keyColumn int, bp *bufferpool.BufferPool, cfg config.Config) *Table {
	return &Table{
		Name:              name,
		Dir:               dir,
		NumColumns:        numColumns,
		KeyColumn:         keyColumn,
		cfg:               cfg,
		bufferPool:        bp,
		liveBaseRIDs:      make(map[int64]struct{}),
		accumSchema:       make(map[int64]uint64),
		Index:             colindex.NewManager(config.NumHiddenColumns + keyColumn),
		deallocationQueue: make(chan int64, 1024),
		mergeQueue:        make(chan int, 64),
		stopCh:            make(chan struct{}),
	}
}

// Threshold returns T, the base/logical RID split point.
func (t *Table) Threshold() int64 { return int64(t.cfg.RecordsPerRange()) }

// rangeDir is the on-disk directory holding one page range's page files.
func (t *Table) rangeDir(idx int) string {
	return filepath.Join(t.Dir, fmt.Sprintf("PageRange_%d", idx))
}

// ensureRangeLocked returns the page range for index idx, creating it
// (and any skipped intermediate ranges) lazily. Must hold t.mu.
func (t *Table) ensureRangeLocked(idx int) *pagerange.PageRange {
	for len(t.ranges) <= idx {
		i := len(t.ranges)
		pr := pagerange.New(i, t.rangeDir(i), t.NumColumns, t.bufferPool, t.cfg)
		t.ranges = append(t.ranges, pr)
	}
	return t.ranges[idx]
}

// AssignRID pops a recycled base RID if available, else allocates the
// next unused one.
func (t *Table) AssignRID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.recycledBaseRIDs); n > 0 {
		rid := t.recycledBaseRIDs[0]
		t.recycledBaseRIDs = t.recycledBaseRIDs[1:]
		return rid
	}
	rid := t.ridIndex
	t.ridIndex++
	return rid
}

// BaseRecordLocation computes the purely arithmetic (page_range, page_idx,
// slot) for a base RID.
func (t *Table) BaseRecordLocation(rid int64) (rangeIdx, pageIdx, slot int) {
	T := t.Threshold()
	rangeIdx = int(rid / T)
	local := rid % T
	pageIdx = int(local / int64(config.DefaultPageCapacity))
	slot = int(local % int64(config.DefaultPageCapacity))
	return
}

// InsertRecord stamps TIMESTAMP and writes a brand-new base record.
// columns has length totalColumns(); columns[ColRID] is assumed already set.
func (t *Table) InsertRecord(columns []int64) error {
	rid := columns[config.ColRID]
	rangeIdx, pageIdx, slot := t.BaseRecordLocation(rid)

	t.mu.Lock()
	pr := t.ensureRangeLocked(rangeIdx)
	columns[config.ColTimestamp] = pr.TPS()
	columns[config.ColUpdateTimestamp] = config.RecordNoneValue
	t.mu.Unlock()

	if err := pr.WriteBaseRecord(pageIdx, slot, columns); err != nil {
		return err
	}

	t.mu.Lock()
	t.liveBaseRIDs[rid] = struct{}{}
	t.accumSchema[rid] = 0
	t.mu.Unlock()
	return nil
}

// rangeForRID returns the page range owning rid (a base RID).
func (t *Table) rangeForRID(rid int64) (*pagerange.PageRange, int, int, error) {
	rangeIdx, pageIdx, slot := t.BaseRecordLocation(rid)
	t.mu.Lock()
	if rangeIdx >= len(t.ranges) {
		t.mu.Unlock()
		return nil, 0, 0, fmt.Errorf("%w: base rid %d has no page range", ErrInvariant, rid)
	}
	pr := t.ranges[rangeIdx]
	t.mu.Unlock()
	return pr, pageIdx, slot, nil
}

// UpdateRecord appends a tail record for baseRID. newUserColumns has
// length NumColumns; entries equal to config.RecordNoneValue are
// unchanged columns and are not physically written. Returns the new
// tail record's logical RID.
func (t *Table) UpdateRecord(baseRID int64, newUserColumns []int64) (int64, error) {
	pr, basePageIdx, baseSlot, err := t.rangeForRID(baseRID)
	if err != nil {
		return 0, err
	}

	head, err := pr.ReadColumn(baseRID, basePageIdx, baseSlot, config.ColIndirection)
	if err != nil {
		return 0, err
	}

	logicalRID := pr.AssignLogicalRID()
	tail := make([]int64, t.totalColumns())
	for i := range tail {
		tail[i] = config.RecordNoneValue
	}
	tail[config.ColRID] = logicalRID
	tail[config.ColIndirection] = head
	tail[config.ColTimestamp] = pr.TPS()

	var schema uint64
	for j, v := range newUserColumns {
		tail[config.NumHiddenColumns+j] = v
		if v != config.RecordNoneValue {
			schema |= 1 << uint(j)
		}
	}
	tail[config.ColSchemaEncoding] = int64(schema)

	if err := pr.WriteTailRecord(logicalRID, tail); err != nil {
		return 0, err
	}

	if err := pr.WriteColumn(baseRID, basePageIdx, baseSlot, config.ColIndirection, logicalRID); err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.accumSchema[baseRID] |= schema
	t.mu.Unlock()
	if err := pr.WriteColumn(baseRID, basePageIdx, baseSlot, config.ColSchemaEncoding, int64(t.accumSchema[baseRID])); err != nil {
		return 0, err
	}

	if pr.TPS() >= int64(t.cfg.MaxTailPagesBeforeMerge)*int64(config.DefaultPageCapacity) {
		select {
		case t.mergeQueue <- pr.Index():
		default:
			// merge queue full: a merge for this range is already pending.
		}
	}

	return logicalRID, nil
}

// DeleteRecord enqueues baseRID for deallocation and removes it from the
// live set; index cleanup is the caller's (Query's) responsibility since
// it needs the record's current column image.
func (t *Table) DeleteRecord(baseRID int64) {
	t.mu.Lock()
	delete(t.liveBaseRIDs, baseRID)
	t.mu.Unlock()
	t.deallocationQueue <- baseRID
}

// RestoreRecord is used by abort/rollback to recreate a deleted record.
func (t *Table) RestoreRecord(baseRID int64) {
	t.mu.Lock()
	t.liveBaseRIDs[baseRID] = struct{}{}
	t.mu.Unlock()
}

// BaseRIDs returns every currently live base RID (colindex.RecordSource).
func (t *Table) BaseRIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.liveBaseRIDs))
	for rid := range t.liveBaseRIDs {
		out = append(out, rid)
	}
	return out
}

// IsLive reports whether baseRID is currently a live (non-deleted) record.
func (t *Table) IsLive(baseRID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.liveBaseRIDs[baseRID]
	return ok
}

// CurrentValue resolves a base RID's present-day value for col
// (colindex.RecordSource); it is SelectVersion with offset 0.
func (t *Table) CurrentValue(rid int64, col int) (int64, error) {
	return t.SelectVersionColumn(rid, col, 0)
}

// SelectVersionColumn resolves rid's value for col at versionsBack
// versions before the latest (0 = latest). Ambient walk logic shared by
// Query.Select and Query.SelectVersion in query.go.
func (t *Table) SelectVersionColumn(baseRID int64, col int, versionsBack int) (int64, error) {
	pr, pageIdx, slot, err := t.rangeForRID(baseRID)
	if err != nil {
		return 0, err
	}
	base, err := pr.CopyBaseRecord(pageIdx, slot, t.totalColumns())
	if err != nil {
		return 0, err
	}
	head := base[config.ColIndirection]

	cur := head
	steps := 0
	for cur >= pr.Threshold() {
		if steps >= versionsBack {
			v, ok, rerr := pr.ReadTailRecordColumn(cur, col)
			if rerr != nil {
				return 0, rerr
			}
			if ok {
				return v, nil
			}
		}
		next, ierr := pr.Indirection(cur, pageIdx, slot)
		if ierr != nil {
			return 0, ierr
		}
		cur = next
		steps++
	}
	return base[col], nil
}

// CopyCurrentImage returns every user column's current value for baseRID.
func (t *Table) CopyCurrentImage(baseRID int64) ([]int64, error) {
	out := make([]int64, t.NumColumns)
	for j := 0; j < t.NumColumns; j++ {
		v, err := t.SelectVersionColumn(baseRID, config.NumHiddenColumns+j, 0)
		if err != nil {
			return nil, err
		}
		out[j] = v
	}
	return out, nil
}

// StartWorkers launches the background merge and deallocation workers.
func (t *Table) StartWorkers() {
	t.wg.Add(2)
	go t.mergeWorker()
	go t.deallocationWorker()
}

// Stop signals both background workers to drain and exit.
func (t *Table) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// FlushBufferPool unloads (flushing dirty pages) every frame in this
// table's buffer pool. Called at clean shutdown, after Stop.
func (t *Table) FlushBufferPool() error {
	return t.bufferPool.UnloadAllFrames()
}

// RangeCount returns the number of page ranges currently allocated.
func (t *Table) RangeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranges)
}

// EnqueueMerge forces a merge request for a page range index (tests and
// forced-consolidation callers).
func (t *Table) EnqueueMerge(rangeIdx int) {
	t.mergeQueue <- rangeIdx
}

func (t *Table) mergeWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case rangeIdx := <-t.mergeQueue:
			if err := t.mergeRange(rangeIdx); err != nil {
				log.Printf("table %s: merge page range %d: %v", t.Name, rangeIdx, err)
			}
		}
	}
}

func (t *Table) deallocationWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case rid := <-t.deallocationQueue:
			if err := t.deallocate(rid); err != nil {
				log.Printf("table %s: deallocate rid %d: %v", t.Name, rid, err)
			}
		}
	}
}

// deallocate recycles baseRID for reuse and walks its indirection chain,
// returning every logical RID it owned to the page range's recycled FIFO.
// Idempotent: re-processing an already-recycled (or live) RID is a
// no-op, so its chain is never walked twice.
func (t *Table) deallocate(baseRID int64) error {
	pr, pageIdx, slot, err := t.rangeForRID(baseRID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if _, live := t.liveBaseRIDs[baseRID]; live {
		t.mu.Unlock()
		return nil
	}
	for _, r := range t.recycledBaseRIDs {
		if r == baseRID {
			t.mu.Unlock()
			return nil
		}
	}
	t.recycledBaseRIDs = append(t.recycledBaseRIDs, baseRID)
	delete(t.accumSchema, baseRID)
	t.mu.Unlock()

	cur, err := pr.ReadColumn(baseRID, pageIdx, slot, config.ColIndirection)
	if err != nil {
		return err
	}
	for cur >= pr.Threshold() {
		next, err := pr.Indirection(cur, pageIdx, slot)
		if err != nil {
			return err
		}
		pr.RecycleLogicalRID(cur)
		cur = next
	}
	return nil
}

// mergeRange consolidates every base record in rangeIdx whose
// accumulated schema has pending columns, per spec.md's merge steps a-d.
func (t *Table) mergeRange(rangeIdx int) error {
	t.mu.Lock()
	if rangeIdx >= len(t.ranges) {
		t.mu.Unlock()
		return fmt.Errorf("%w: merge requested for unknown page range %d", ErrInvariant, rangeIdx)
	}
	pr := t.ranges[rangeIdx]
	T := pr.Threshold()
	n := pr.BaseRecordCount()
	t.mu.Unlock()

	for local := int64(0); local < n; local++ {
		baseRID := int64(rangeIdx)*T + local
		if !t.IsLive(baseRID) {
			continue
		}
		if err := t.mergeOne(pr, baseRID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) mergeOne(pr *pagerange.PageRange, baseRID int64) error {
	total := t.totalColumns()
	_, pageIdx, slot, err := t.rangeForRID(baseRID)
	if err != nil {
		return err
	}

	base, err := pr.CopyBaseRecord(pageIdx, slot, total)
	if err != nil {
		return err
	}

	aggregate := uint64(base[config.ColSchemaEncoding])
	if aggregate == 0 {
		return nil // nothing pending since the last merge
	}

	head := base[config.ColIndirection]
	if head < pr.Threshold() {
		return nil // never updated; nothing to consolidate
	}

	updateTS := base[config.ColUpdateTimestamp]
	firstMerge := updateTS == config.RecordNoneValue

	if firstMerge {
		// (b) snapshot the pristine base image into a fresh tail entry,
		// and splice it in at the oldest end of the chain so history
		// before this merge survives future consolidations.
		copyRID := pr.AssignLogicalRID()
		copyCols := make([]int64, total)
		copy(copyCols, base)
		copyCols[config.ColRID] = copyRID
		copyCols[config.ColIndirection] = baseRID % pr.Threshold()
		copyCols[config.ColTimestamp] = base[config.ColTimestamp]
		copyCols[config.ColSchemaEncoding] = int64(allColumnsMask(t.NumColumns))
		if err := pr.WriteTailRecord(copyRID, copyCols); err != nil {
			return err
		}

		oldestTail, err := pr.FindRecordsLastLogicalRID(head, pageIdx, slot)
		if err != nil {
			return err
		}
		if oldestTail >= pr.Threshold() {
			if err := pr.WriteColumn(oldestTail, pageIdx, slot, config.ColIndirection, copyRID); err != nil {
				return err
			}
		}
	}

	newestTS := base[config.ColTimestamp]
	cur := head
	first := true
	for aggregate != 0 && cur >= pr.Threshold() {
		tailSchema, ok, err := pr.ReadTailRecordColumn(cur, config.ColSchemaEncoding)
		if err != nil {
			return err
		}
		if !ok {
			tailSchema = 0
		}
		tailTS, ok, err := pr.ReadTailRecordColumn(cur, config.ColTimestamp)
		if err != nil {
			return err
		}
		if ok && first {
			newestTS = tailTS
			first = false
		}
		if ok && updateTS != config.RecordNoneValue && tailTS < updateTS {
			break
		}

		for j := 0; j < t.NumColumns; j++ {
			bit := uint64(1) << uint(j)
			if aggregate&bit == 0 || uint64(tailSchema)&bit == 0 {
				continue
			}
			col := config.NumHiddenColumns + j
			v, ok, err := pr.ReadTailRecordColumn(cur, col)
			if err != nil {
				return err
			}
			if ok {
				base[col] = v
				aggregate &^= bit
			}
		}

		next, err := pr.Indirection(cur, pageIdx, slot)
		if err != nil {
			return err
		}
		cur = next
	}

	for col := config.NumHiddenColumns; col < total; col++ {
		if err := pr.WriteColumn(baseRID, pageIdx, slot, col, base[col]); err != nil {
			return err
		}
	}
	if err := pr.WriteColumn(baseRID, pageIdx, slot, config.ColUpdateTimestamp, newestTS); err != nil {
		return err
	}
	if err := pr.WriteColumn(baseRID, pageIdx, slot, config.ColSchemaEncoding, 0); err != nil {
		return err
	}

	t.mu.Lock()
	t.accumSchema[baseRID] = 0
	t.mu.Unlock()
	return nil
}

func allColumnsMask(numColumns int) uint64 {
	if numColumns >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(numColumns)) - 1
}
