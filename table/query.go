package table

import (
	"fmt"

	"github.com/arrowlake/lstore/config"
)

// Record is one projected row returned by Select/SelectVersion: the base
// RID it was read from, and the requested user columns in request order.
type Record struct {
	RID     int64
	Columns []int64
}

// Query is the stateless operation facade over a Table (spec.md 4.6).
// It never holds state of its own; every method takes the table it
// operates against from its T field.
type Query struct {
	T *Table
}

// NewQuery wraps t in a Query facade.
func NewQuery(t *Table) *Query { return &Query{T: t} }

func (q *Query) pkCol() int { return config.NumHiddenColumns + q.T.KeyColumn }

// Insert validates primary-key uniqueness, allocates a base RID, fills
// hidden metadata, writes the base record, and updates every index.
func (q *Query) Insert(userColumns []int64) (int64, error) {
	key := userColumns[q.T.KeyColumn]
	if existing, err := q.T.Index.Locate(q.pkCol(), key); err == nil {
		for _, rid := range existing {
			if q.T.IsLive(rid) {
				return 0, ErrDuplicateKey
			}
		}
	}

	rid := q.T.AssignRID()
	cols := make([]int64, q.T.totalColumns())
	cols[config.ColRID] = rid
	for j, v := range userColumns {
		cols[config.NumHiddenColumns+j] = v
	}

	if err := q.T.InsertRecord(cols); err != nil {
		return 0, err
	}
	q.T.Index.InsertInAllIndices(rid, cols)
	return rid, nil
}

// Select returns every live record whose keyCol equals keyValue,
// projecting the requested columns (projection[j] != 0 includes user
// column j), reading the latest version.
func (q *Query) Select(keyValue int64, keyCol int, projection []int) ([]Record, error) {
	return q.SelectVersion(keyValue, keyCol, projection, 0)
}

// SelectVersion is Select at a version offset: 0 is latest, -v is v
// updates before latest.
func (q *Query) SelectVersion(keyValue int64, keyCol int, projection []int, version int) ([]Record, error) {
	versionsBack := -version
	if versionsBack < 0 {
		versionsBack = 0
	}
	rids, err := q.T.Index.Locate(config.NumHiddenColumns+keyCol, keyValue)
	if err != nil {
		return nil, nil
	}

	var out []Record
	for _, rid := range rids {
		if !q.T.IsLive(rid) {
			continue
		}
		rec := Record{RID: rid}
		for j, want := range projection {
			if want == 0 {
				continue
			}
			v, err := q.T.SelectVersionColumn(rid, config.NumHiddenColumns+j, versionsBack)
			if err != nil {
				return nil, err
			}
			rec.Columns = append(rec.Columns, v)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update rejects a primary-key change onto an existing key, appends a
// new tail record, and keeps every index (and the value cache) in sync.
// newColumns has length NumColumns; config.RecordNoneValue marks an
// unchanged column.
func (q *Query) Update(keyValue int64, keyCol int, newColumns []int64) error {
	rids, err := q.T.Index.Locate(config.NumHiddenColumns+keyCol, keyValue)
	if err != nil || len(rids) == 0 {
		return ErrNotFound
	}
	rid := rids[0]
	if !q.T.IsLive(rid) {
		return ErrNotFound
	}

	newKey := newColumns[q.T.KeyColumn]
	if newKey != config.RecordNoneValue {
		curKey, err := q.T.SelectVersionColumn(rid, q.pkCol(), 0)
		if err != nil {
			return err
		}
		if newKey != curKey {
			if existing, err := q.T.Index.Locate(q.pkCol(), newKey); err == nil {
				for _, other := range existing {
					if other != rid && q.T.IsLive(other) {
						return fmt.Errorf("table: update would duplicate key: %w", ErrDuplicateKey)
					}
				}
			}
		}
	}

	prevUser, err := q.T.CopyCurrentImage(rid)
	if err != nil {
		return err
	}

	if _, err := q.T.UpdateRecord(rid, newColumns); err != nil {
		return err
	}

	newUser := make([]int64, len(prevUser))
	copy(newUser, prevUser)
	for j, v := range newColumns {
		if v != config.RecordNoneValue {
			newUser[j] = v
		}
	}

	q.T.Index.UpdateAllIndices(rid, toIndexColumns(q.T, newUser), toIndexColumns(q.T, prevUser))
	return nil
}

// Delete enqueues the record's base RID for deallocation and removes it
// from every index.
func (q *Query) Delete(keyValue int64, keyCol int) error {
	rids, err := q.T.Index.Locate(config.NumHiddenColumns+keyCol, keyValue)
	if err != nil || len(rids) == 0 {
		return ErrNotFound
	}
	rid := rids[0]
	if !q.T.IsLive(rid) {
		return ErrNotFound
	}
	prevUser, err := q.T.CopyCurrentImage(rid)
	if err != nil {
		return err
	}
	q.T.Index.DeleteFromAllIndices(rid, toIndexColumns(q.T, prevUser))
	q.T.DeleteRecord(rid)
	return nil
}

// Sum adds column sumCol across every live record whose primary key
// falls in [keyLo, keyHi], at the latest version.
func (q *Query) Sum(keyLo, keyHi int64, sumCol int) (int64, error) {
	return q.SumVersion(keyLo, keyHi, sumCol, 0)
}

// SumVersion is Sum at a version offset.
func (q *Query) SumVersion(keyLo, keyHi int64, sumCol int, version int) (int64, error) {
	versionsBack := -version
	if versionsBack < 0 {
		versionsBack = 0
	}
	rids, err := q.T.Index.LocateRange(q.pkCol(), keyLo, keyHi, true)
	if err != nil {
		return 0, nil
	}
	var total int64
	for _, rid := range rids {
		if !q.T.IsLive(rid) {
			continue
		}
		v, err := q.T.SelectVersionColumn(rid, config.NumHiddenColumns+sumCol, versionsBack)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// Increment reads col's current value for keyValue and writes col+1.
func (q *Query) Increment(keyValue int64, keyCol, col int) error {
	projection := make([]int, q.T.NumColumns)
	projection[col] = 1
	recs, err := q.Select(keyValue, keyCol, projection)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return ErrNotFound
	}
	newColumns := make([]int64, q.T.NumColumns)
	for j := range newColumns {
		newColumns[j] = config.RecordNoneValue
	}
	newColumns[col] = recs[0].Columns[0] + 1
	return q.Update(keyValue, keyCol, newColumns)
}

// toIndexColumns expands a NumColumns-length user image into the
// total-column-space array colindex.Manager expects, so its primary
// column offset (NumHiddenColumns + KeyColumn) lines up.
func toIndexColumns(t *Table, userColumns []int64) []int64 {
	out := make([]int64, t.totalColumns())
	for j, v := range userColumns {
		out[config.NumHiddenColumns+j] = v
	}
	return out
}
