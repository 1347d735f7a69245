package pagerange

import (
	"testing"

	"github.com/arrowlake/lstore/bufferpool"
	"github.com/arrowlake/lstore/config"
)

func newTestRange(t *testing.T, numColumns int) *PageRange {
	t.Helper()
	dir := t.TempDir()
	bp := bufferpool.New(64)
	cfg := config.Default()
	cfg.MaxPageRange = 2 // keep the test's address space small
	return New(0, dir, numColumns, bp, cfg)
}

func totalColumns(numColumns int) int { return config.NumHiddenColumns + numColumns }

func TestWriteBaseRecordSetsSelfPointerIndirection(t *testing.T) {
	pr := newTestRange(t, 3)
	T := pr.Threshold()

	rid := int64(5)
	cols := make([]int64, totalColumns(3))
	cols[config.ColRID] = rid
	cols[config.ColTimestamp] = 1
	cols[config.NumHiddenColumns+0] = 100
	cols[config.NumHiddenColumns+1] = 200
	cols[config.NumHiddenColumns+2] = 300

	if err := pr.WriteBaseRecord(0, int(rid), cols); err != nil {
		t.Fatalf("write base: %v", err)
	}

	got, err := pr.CopyBaseRecord(0, int(rid), totalColumns(3))
	if err != nil {
		t.Fatalf("copy base: %v", err)
	}
	if got[config.ColIndirection] != rid%T {
		t.Fatalf("expected self-pointer %d, got %d", rid%T, got[config.ColIndirection])
	}
	if got[config.NumHiddenColumns+1] != 200 {
		t.Fatalf("expected column 1 = 200, got %d", got[config.NumHiddenColumns+1])
	}
}

func TestWriteTailRecordSkipsNullColumns(t *testing.T) {
	pr := newTestRange(t, 3)
	logicalRID := pr.AssignLogicalRID()

	cols := make([]int64, totalColumns(3))
	cols[config.ColRID] = logicalRID
	cols[config.ColIndirection] = 5
	cols[config.NumHiddenColumns+0] = config.RecordNoneValue
	cols[config.NumHiddenColumns+1] = 42
	cols[config.NumHiddenColumns+2] = config.RecordNoneValue

	if err := pr.WriteTailRecord(logicalRID, cols); err != nil {
		t.Fatalf("write tail: %v", err)
	}

	if _, ok, err := pr.ReadTailRecordColumn(logicalRID, config.NumHiddenColumns+0); err != nil || ok {
		t.Fatalf("expected column 0 absent, ok=%v err=%v", ok, err)
	}
	v, ok, err := pr.ReadTailRecordColumn(logicalRID, config.NumHiddenColumns+1)
	if err != nil || !ok {
		t.Fatalf("expected column 1 present, ok=%v err=%v", ok, err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}

	ind, ok, err := pr.ReadTailRecordColumn(logicalRID, config.ColIndirection)
	if err != nil || !ok || ind != 5 {
		t.Fatalf("expected indirection 5, got %d ok=%v err=%v", ind, ok, err)
	}
}

func TestAssignLogicalRIDRecyclesFIFO(t *testing.T) {
	pr := newTestRange(t, 2)
	first := pr.AssignLogicalRID()
	second := pr.AssignLogicalRID()
	if second != first+1 {
		t.Fatalf("expected sequential RIDs, got %d then %d", first, second)
	}
	pr.RecycleLogicalRID(first)
	third := pr.AssignLogicalRID()
	if third != first {
		t.Fatalf("expected recycled RID %d, got %d", first, third)
	}
}

func TestFindRecordsLastLogicalRIDTerminatesAtBase(t *testing.T) {
	pr := newTestRange(t, 2)
	T := pr.Threshold()
	baseRID := int64(3)

	// base record: never updated, INDIRECTION == self.
	baseCols := make([]int64, totalColumns(2))
	baseCols[config.ColRID] = baseRID
	if err := pr.WriteBaseRecord(0, int(baseRID), baseCols); err != nil {
		t.Fatalf("write base: %v", err)
	}

	last, err := pr.FindRecordsLastLogicalRID(baseCols[config.ColIndirection], 0, int(baseRID))
	if err != nil {
		t.Fatalf("find last: %v", err)
	}
	if last != baseRID%T {
		t.Fatalf("expected %d (no updates yet), got %d", baseRID%T, last)
	}

	// one update: tail1.INDIRECTION -> base RID.
	tail1 := pr.AssignLogicalRID()
	tailCols := make([]int64, totalColumns(2))
	tailCols[config.ColRID] = tail1
	tailCols[config.ColIndirection] = baseRID % T
	if err := pr.WriteTailRecord(tail1, tailCols); err != nil {
		t.Fatalf("write tail: %v", err)
	}

	last, err = pr.FindRecordsLastLogicalRID(tail1, 0, int(baseRID))
	if err != nil {
		t.Fatalf("find last after one update: %v", err)
	}
	if last != tail1 {
		t.Fatalf("expected last=%d (single tail version), got %d", tail1, last)
	}
}
