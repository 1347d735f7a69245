// Package lstoredb is the top-level embeddable entry point: it owns the
// database directory, the shared lock manager, every table, and an
// optional background maintenance scheduler.
package lstoredb

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/arrowlake/lstore/bufferpool"
	"github.com/arrowlake/lstore/config"
	"github.com/arrowlake/lstore/lock"
	"github.com/arrowlake/lstore/table"
)

const metaFileName = "tables.json"

// ErrTableExists is returned by CreateTable when the name is already in use.
var ErrTableExists = fmt.Errorf("lstoredb: table already exists")

// ErrTableNotFound is returned by GetTable/DropTable for an unknown name.
var ErrTableNotFound = fmt.Errorf("lstoredb: table not found")

// Database is the top-level handle an application embeds. It owns the
// single lock.Manager shared by every table, so a transaction spanning
// multiple tables still gets table-to-table lock ordering for free.
type Database struct {
	Dir    string
	Config config.Config
	Locks  *lock.Manager

	mu        sync.Mutex
	tables    map[string]*table.Table
	scheduler *MaintenanceScheduler
}

// Open loads (or creates) a database rooted at dir: it reads
// <dir>/config.yaml if present, reconstructs every table from
// <dir>/tables.json if present, and otherwise starts empty.
func Open(dir string) (*Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lstoredb: create %s: %w", dir, err)
	}
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	db := &Database{
		Dir:    dir,
		Config: cfg,
		Locks:  lock.NewManager(),
		tables: make(map[string]*table.Table),
	}

	states, err := loadMeta(dir)
	if err != nil {
		return nil, err
	}
	for name, st := range states {
		bp := bufferpool.New(cfg.MaxNumFrame)
		tbl, err := table.Restore(filepath.Join(dir, name), st, bp, cfg)
		if err != nil {
			return nil, fmt.Errorf("lstoredb: open %s: %w", dir, err)
		}
		tbl.StartWorkers()
		db.tables[name] = tbl
	}
	return db, nil
}

func loadMeta(dir string) (map[string]table.State, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lstoredb: read %s: %w", metaFileName, err)
	}
	var states map[string]table.State
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("lstoredb: parse %s: %w", metaFileName, err)
	}
	return states, nil
}

// CreateTable registers a new, empty table with numColumns user columns
// and keyColumn as the primary key.
func (db *Database) CreateTable(name string, numColumns, keyColumn int) (*table.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	bp := bufferpool.New(db.Config.MaxNumFrame)
	tbl := table.New(name, filepath.Join(db.Dir, name), numColumns, keyColumn, bp, db.Config)
	tbl.StartWorkers()
	db.tables[name] = tbl
	return tbl, nil
}

// GetTable returns a previously created or restored table.
func (db *Database) GetTable(name string) (*table.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tbl, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return tbl, nil
}

// TableNames lists every currently open table.
func (db *Database) TableNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.tables))
	for name := range db.tables {
		out = append(out, name)
	}
	return out
}

// EnableMaintenanceScheduler starts an optional cron-driven background
// scheduler that periodically forces a merge pass over every table, in
// addition to the tps-threshold trigger already
// built into table.Table.UpdateRecord. Disabled by default.
func (db *Database) EnableMaintenanceScheduler(cronExpr string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.scheduler != nil {
		return nil
	}
	sched, err := NewMaintenanceScheduler(db, cronExpr)
	if err != nil {
		return err
	}
	sched.Start()
	db.scheduler = sched
	return nil
}

// Close stops every table's background workers and the maintenance
// scheduler (if running), flushes every buffer pool, and writes
// tables.json for the next Open.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.scheduler != nil {
		db.scheduler.Stop()
		db.scheduler = nil
	}

	states := make(map[string]table.State, len(db.tables))
	for name, tbl := range db.tables {
		tbl.Stop()
		states[name] = tbl.ExportState()
	}

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("lstoredb: marshal %s: %w", metaFileName, err)
	}
	if err := os.WriteFile(filepath.Join(db.Dir, metaFileName), data, 0o644); err != nil {
		return fmt.Errorf("lstoredb: write %s: %w", metaFileName, err)
	}

	for name, tbl := range db.tables {
		if err := tbl.FlushBufferPool(); err != nil {
			log.Printf("lstoredb: flush table %s: %v", name, err)
		}
	}
	return nil
}
