// Package colindex implements the ordered key -> {base RID} index used
// for point and range lookups over a table's columns.
package colindex

import (
	"errors"
	"sort"
	"sync"
)

// ErrPrimaryKeyIndex is returned by DropIndex for the key column: the
// primary index may never be dropped.
var ErrPrimaryKeyIndex = errors.New("colindex: cannot drop the primary key index")

// ErrNotFound is returned by Locate when the column has no index, or the
// value has no entries.
var ErrNotFound = errors.New("colindex: not found")

// columnIndex is an ordered map of value -> set of base RIDs, backed by a
// sorted key slice for range scans (mirrors the sorted-array leaves of a
// B+Tree without the on-disk paging a persisted tree would need, since
// this index is scan-rebuildable — see DESIGN.md).
type columnIndex struct {
	mu      sync.RWMutex
	buckets map[int64]map[int64]struct{} // value -> rid set
	sorted  []int64                      // buckets' keys, kept sorted
}

func newColumnIndex() *columnIndex {
	return &columnIndex{buckets: make(map[int64]map[int64]struct{})}
}

func (ci *columnIndex) insertKeyLocked(v int64) {
	i := sort.Search(len(ci.sorted), func(i int) bool { return ci.sorted[i] >= v })
	if i < len(ci.sorted) && ci.sorted[i] == v {
		return
	}
	ci.sorted = append(ci.sorted, 0)
	copy(ci.sorted[i+1:], ci.sorted[i:])
	ci.sorted[i] = v
}

func (ci *columnIndex) removeKeyLocked(v int64) {
	i := sort.Search(len(ci.sorted), func(i int) bool { return ci.sorted[i] >= v })
	if i < len(ci.sorted) && ci.sorted[i] == v {
		ci.sorted = append(ci.sorted[:i], ci.sorted[i+1:]...)
	}
}

func (ci *columnIndex) add(value, rid int64) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	bucket, ok := ci.buckets[value]
	if !ok {
		bucket = make(map[int64]struct{})
		ci.buckets[value] = bucket
		ci.insertKeyLocked(value)
	}
	bucket[rid] = struct{}{}
}

func (ci *columnIndex) remove(value, rid int64) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	bucket, ok := ci.buckets[value]
	if !ok {
		return
	}
	delete(bucket, rid)
	if len(bucket) == 0 {
		delete(ci.buckets, value)
		ci.removeKeyLocked(value)
	}
}

func (ci *columnIndex) locate(value int64) ([]int64, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	bucket, ok := ci.buckets[value]
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(bucket))
	for rid := range bucket {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}

func (ci *columnIndex) locateRange(lo, hi int64, inclusive bool) []int64 {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	start := sort.Search(len(ci.sorted), func(i int) bool { return ci.sorted[i] >= lo })
	var out []int64
	for i := start; i < len(ci.sorted); i++ {
		k := ci.sorted[i]
		if inclusive {
			if k > hi {
				break
			}
		} else if k >= hi {
			break
		}
		for rid := range ci.buckets[k] {
			out = append(out, rid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecordSource lets CreateIndex rebuild an index by scanning every live
// base RID and resolving that record's current value for a column.
type RecordSource interface {
	// BaseRIDs returns every non-deleted base RID currently known.
	BaseRIDs() []int64
	// CurrentValue resolves rid's current value for col, walking the
	// indirection chain and schema bitmap as needed.
	CurrentValue(rid int64, col int) (int64, error)
}

// Manager owns one columnIndex per indexed column plus the value cache.
// The primary key column's index always exists and can never be dropped.
type Manager struct {
	mu            sync.RWMutex
	byColumn      map[int]*columnIndex
	primaryColumn int
	valueMapper   map[int64][]int64 // primary-key value -> current user-column image
}

// NewManager creates a Manager with the primary index already present.
func NewManager(primaryColumn int) *Manager {
	m := &Manager{
		byColumn:      make(map[int]*columnIndex),
		primaryColumn: primaryColumn,
		valueMapper:   make(map[int64][]int64),
	}
	m.byColumn[primaryColumn] = newColumnIndex()
	return m
}

// CreateIndex scans src for every base RID and populates a fresh index
// for col.
func (m *Manager) CreateIndex(col int, src RecordSource) error {
	ci := newColumnIndex()
	for _, rid := range src.BaseRIDs() {
		v, err := src.CurrentValue(rid, col)
		if err != nil {
			return err
		}
		ci.add(v, rid)
	}
	m.mu.Lock()
	m.byColumn[col] = ci
	m.mu.Unlock()
	return nil
}

// DropIndex removes the index on col. Forbidden for the primary key column.
func (m *Manager) DropIndex(col int) error {
	if col == m.primaryColumn {
		return ErrPrimaryKeyIndex
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byColumn, col)
	return nil
}

// HasIndex reports whether col currently has an index.
func (m *Manager) HasIndex(col int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byColumn[col]
	return ok
}

// Locate returns the base RIDs currently holding value v in column col.
func (m *Manager) Locate(col int, v int64) ([]int64, error) {
	m.mu.RLock()
	ci, ok := m.byColumn[col]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	rids, ok := ci.locate(v)
	if !ok {
		return nil, ErrNotFound
	}
	return rids, nil
}

// LocateRange returns the base RIDs whose column col value falls in
// [lo, hi] when inclusive is true, or in [lo, hi) otherwise.
func (m *Manager) LocateRange(col int, lo, hi int64, inclusive bool) ([]int64, error) {
	m.mu.RLock()
	ci, ok := m.byColumn[col]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ci.locateRange(lo, hi, inclusive), nil
}

// InsertInAllIndices adds rid to every present index using columns'
// values, and seeds the value cache keyed by the primary key value.
func (m *Manager) InsertInAllIndices(rid int64, columns []int64) {
	m.mu.RLock()
	indices := make(map[int]*columnIndex, len(m.byColumn))
	for col, ci := range m.byColumn {
		indices[col] = ci
	}
	m.mu.RUnlock()

	for col, ci := range indices {
		if col < len(columns) {
			ci.add(columns[col], rid)
		}
	}

	pk := columns[m.primaryColumn]
	cached := make([]int64, len(columns))
	copy(cached, columns)
	m.mu.Lock()
	m.valueMapper[pk] = cached
	m.mu.Unlock()
}

// DeleteFromAllIndices removes rid from every present index using its
// last-known column image, and clears the value cache entry for its
// primary key.
func (m *Manager) DeleteFromAllIndices(rid int64, prevColumns []int64) {
	m.mu.RLock()
	indices := make(map[int]*columnIndex, len(m.byColumn))
	for col, ci := range m.byColumn {
		indices[col] = ci
	}
	m.mu.RUnlock()

	for col, ci := range indices {
		if col < len(prevColumns) {
			ci.remove(prevColumns[col], rid)
		}
	}
	pk := prevColumns[m.primaryColumn]
	m.mu.Lock()
	delete(m.valueMapper, pk)
	m.mu.Unlock()
}

// UpdateAllIndices moves rid from prevColumns' bucket to newColumns'
// bucket in every present index, and refreshes the value cache.
func (m *Manager) UpdateAllIndices(rid int64, newColumns, prevColumns []int64) {
	m.mu.RLock()
	indices := make(map[int]*columnIndex, len(m.byColumn))
	for col, ci := range m.byColumn {
		indices[col] = ci
	}
	m.mu.RUnlock()

	for col, ci := range indices {
		if col >= len(newColumns) || col >= len(prevColumns) {
			continue
		}
		if newColumns[col] == prevColumns[col] {
			continue
		}
		ci.remove(prevColumns[col], rid)
		ci.add(newColumns[col], rid)
	}

	oldPK := prevColumns[m.primaryColumn]
	newPK := newColumns[m.primaryColumn]
	cached := make([]int64, len(newColumns))
	copy(cached, newColumns)

	m.mu.Lock()
	if oldPK != newPK {
		delete(m.valueMapper, oldPK)
	}
	m.valueMapper[newPK] = cached
	m.mu.Unlock()
}

// CachedValue returns the cached current user-column image for a primary
// key value, if present.
func (m *Manager) CachedValue(pk int64) ([]int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.valueMapper[pk]
	return v, ok
}
