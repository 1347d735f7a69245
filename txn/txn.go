// Package txn implements the transaction and worker layer: strict
// two-phase locking around a batch of queries, a per-operation undo log,
// and commit/abort.
package txn

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/arrowlake/lstore/config"
	"github.com/arrowlake/lstore/lock"
	"github.com/arrowlake/lstore/table"
)

// Kind is the operation an Op performs.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
	KindIncrement
	KindSelect
)

// Op is one (query_fn, table, args) entry in a transaction's op list.
type Op struct {
	Table    *table.Table
	Query    *table.Query
	Kind     Kind
	KeyValue int64
	KeyCol   int
	Columns  []int64 // Insert: full user row. Update: delta row (config.RecordNoneValue = unchanged).
	Col      int      // Increment's target column.

	// Projection and Result are populated for KindSelect after Run.
	Projection []int
	Result     []table.Record
}

// changeRecord is one undo-log entry, kept for each operation that
// mutates state (insert, update, delete, increment).
type changeRecord struct {
	kind        Kind
	tbl         *table.Table
	rid         int64
	keyValue    int64
	keyCol      int
	prevColumns []int64 // user-column image before the op (nil for insert)
	newColumns  []int64 // user-column image after the op (nil for delete)
}

// Transaction collects a list of operations and runs them through the
// lock phase, execute phase, and commit (or abort) in order.
type Transaction struct {
	ID    string
	locks *lock.Manager
	ops   []*Op
	undo  []changeRecord

	heldKeys []string // resource keys acquired this run, for rollback bookkeeping
}

// New creates an empty transaction bound to the database's shared lock manager.
func New(locks *lock.Manager) *Transaction {
	return &Transaction{ID: uuid.NewString(), locks: locks}
}

func tableKey(t *table.Table) string { return t.Name }

func recordKey(t *table.Table, keyCol int, keyValue int64) string {
	return fmt.Sprintf("%s/%d:%d", t.Name, keyCol, keyValue)
}

// AddInsert queues an insert of a full user-column row.
func (tx *Transaction) AddInsert(q *table.Query, userColumns []int64) {
	tx.ops = append(tx.ops, &Op{Table: q.T, Query: q, Kind: KindInsert, Columns: userColumns, KeyValue: userColumns[q.T.KeyColumn], KeyCol: q.T.KeyColumn})
}

// AddUpdate queues an update keyed by keyValue on keyCol (usually the
// primary key); newColumns uses config.RecordNoneValue for unchanged columns.
func (tx *Transaction) AddUpdate(q *table.Query, keyValue int64, keyCol int, newColumns []int64) {
	tx.ops = append(tx.ops, &Op{Table: q.T, Query: q, Kind: KindUpdate, KeyValue: keyValue, KeyCol: keyCol, Columns: newColumns})
}

// AddDelete queues a delete keyed by keyValue on keyCol.
func (tx *Transaction) AddDelete(q *table.Query, keyValue int64, keyCol int) {
	tx.ops = append(tx.ops, &Op{Table: q.T, Query: q, Kind: KindDelete, KeyValue: keyValue, KeyCol: keyCol})
}

// AddIncrement queues col += 1 for the record keyed by keyValue on keyCol.
func (tx *Transaction) AddIncrement(q *table.Query, keyValue int64, keyCol, col int) {
	tx.ops = append(tx.ops, &Op{Table: q.T, Query: q, Kind: KindIncrement, KeyValue: keyValue, KeyCol: keyCol, Col: col})
}

// AddSelect queues a read-only point select; its result lands in the
// returned Op's Result field once Run completes.
func (tx *Transaction) AddSelect(q *table.Query, keyValue int64, keyCol int, projection []int) *Op {
	op := &Op{Table: q.T, Query: q, Kind: KindSelect, KeyValue: keyValue, KeyCol: keyCol, Projection: projection}
	tx.ops = append(tx.ops, op)
	return op
}

// Run executes the lock phase, then the execute phase, committing on
// success or aborting (undoing every completed op, releasing all locks)
// on the first failure.
func (tx *Transaction) Run() error {
	if err := tx.lockPhase(); err != nil {
		tx.locks.ReleaseAll(tx.ID)
		return err
	}
	if err := tx.executePhase(); err != nil {
		tx.abort()
		return err
	}
	tx.commit()
	return nil
}

func (tx *Transaction) lockPhase() error {
	for _, op := range tx.ops {
		tableMode := lock.IS
		recordMode := lock.S
		if op.Kind != KindSelect {
			tableMode = lock.IX
			recordMode = lock.X
		}
		if err := tx.locks.Acquire(tx.ID, tableKey(op.Table), tableMode); err != nil {
			return fmt.Errorf("txn %s: %w", tx.ID, err)
		}
		key := recordKey(op.Table, op.KeyCol, op.KeyValue)
		if err := tx.locks.Acquire(tx.ID, key, recordMode); err != nil {
			return fmt.Errorf("txn %s: %w", tx.ID, err)
		}
	}
	return nil
}

func (tx *Transaction) executePhase() error {
	for _, op := range tx.ops {
		switch op.Kind {
		case KindInsert:
			rid, err := op.Query.Insert(op.Columns)
			if err != nil {
				return err
			}
			tx.undo = append(tx.undo, changeRecord{kind: KindInsert, tbl: op.Table, rid: rid, newColumns: op.Columns})

		case KindUpdate:
			prev, rid, err := resolvePrevImage(op)
			if err != nil {
				return err
			}
			if err := op.Query.Update(op.KeyValue, op.KeyCol, op.Columns); err != nil {
				return err
			}
			tx.undo = append(tx.undo, changeRecord{kind: KindUpdate, tbl: op.Table, rid: rid, keyValue: op.KeyValue, keyCol: op.KeyCol, prevColumns: prev})

		case KindDelete:
			prev, rid, err := resolvePrevImage(op)
			if err != nil {
				return err
			}
			if err := op.Query.Delete(op.KeyValue, op.KeyCol); err != nil {
				return err
			}
			tx.undo = append(tx.undo, changeRecord{kind: KindDelete, tbl: op.Table, rid: rid, prevColumns: prev})

		case KindIncrement:
			prev, rid, err := resolvePrevImage(op)
			if err != nil {
				return err
			}
			if err := op.Query.Increment(op.KeyValue, op.KeyCol, op.Col); err != nil {
				return err
			}
			tx.undo = append(tx.undo, changeRecord{kind: KindUpdate, tbl: op.Table, rid: rid, keyValue: op.KeyValue, keyCol: op.KeyCol, prevColumns: prev})

		case KindSelect:
			recs, err := op.Query.Select(op.KeyValue, op.KeyCol, op.Projection)
			if err != nil {
				return err
			}
			op.Result = recs
		}
	}
	return nil
}

func resolvePrevImage(op *Op) (prev []int64, rid int64, err error) {
	rids, lerr := op.Table.Index.Locate(config.NumHiddenColumns+op.KeyCol, op.KeyValue)
	if lerr != nil || len(rids) == 0 {
		return nil, 0, table.ErrNotFound
	}
	rid = rids[0]
	prev, err = op.Table.CopyCurrentImage(rid)
	return prev, rid, err
}

func (tx *Transaction) commit() {
	tx.locks.ReleaseAll(tx.ID)
	tx.undo = nil
}

// abort walks the undo log in reverse, reversing each change, then
// releases every lock the transaction held.
func (tx *Transaction) abort() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		c := tx.undo[i]
		q := table.NewQuery(c.tbl)
		switch c.kind {
		case KindInsert:
			c.tbl.DeleteRecord(c.rid)
			c.tbl.Index.DeleteFromAllIndices(c.rid, expandUserColumns(c.tbl, c.newColumns))
		case KindDelete:
			if _, err := q.Insert(c.prevColumns); err != nil {
				// Best-effort: the record cannot be un-deleted if a
				// concurrent insert has since reused its key.
				continue
			}
		case KindUpdate:
			restore := make([]int64, len(c.prevColumns))
			copy(restore, c.prevColumns)
			if err := q.Update(c.keyValue, c.keyCol, restore); err != nil {
				// The record's prior image could not be restored; the
				// transaction still releases its locks below, but the
				// abort is incomplete and left at the aborted value.
				log.Printf("txn %s: abort: restore prior image for key %v failed: %v", tx.ID, c.keyValue, err)
			}
		}
	}
	tx.locks.ReleaseAll(tx.ID)
	tx.undo = nil
}

func expandUserColumns(t *table.Table, userColumns []int64) []int64 {
	out := make([]int64, config.NumHiddenColumns+t.NumColumns)
	for j, v := range userColumns {
		out[config.NumHiddenColumns+j] = v
	}
	return out
}

// Worker runs a list of transactions serially and reports how many
// committed. Many workers may run concurrently against the same
// database, each on its own goroutine.
type Worker struct {
	ID string
}

// NewWorker creates a worker identified by id (used only for logging/diagnostics).
func NewWorker(id string) *Worker { return &Worker{ID: id} }

// Run executes every transaction in order on the calling goroutine and
// returns the number that committed.
func (w *Worker) Run(txns []*Transaction) int {
	committed := 0
	for _, tx := range txns {
		if err := tx.Run(); err == nil {
			committed++
		}
	}
	return committed
}
