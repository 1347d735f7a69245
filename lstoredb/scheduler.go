package lstoredb

import (
	"log"

	"github.com/robfig/cron/v3"
)

// MaintenanceScheduler runs a cron-driven background pass that forces a
// merge request for every page range of every table, independent of the
// tps-threshold trigger table.Table already applies on every update.
// It flushes nothing to disk: disabling it never changes query results,
// only how promptly tail growth gets consolidated.
type MaintenanceScheduler struct {
	db      *Database
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewMaintenanceScheduler builds (but does not start) a scheduler that
// fires on cronExpr (standard 5-field cron syntax).
func NewMaintenanceScheduler(db *Database, cronExpr string) (*MaintenanceScheduler, error) {
	c := cron.New()
	s := &MaintenanceScheduler{db: db, cron: c}
	id, err := c.AddFunc(cronExpr, s.runPass)
	if err != nil {
		return nil, err
	}
	s.entryID = id
	return s, nil
}

// Start begins the cron loop in its own goroutine.
func (s *MaintenanceScheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for any in-flight run to finish.
func (s *MaintenanceScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// runPass enqueues every table's page ranges for merge.
func (s *MaintenanceScheduler) runPass() {
	for _, name := range s.db.TableNames() {
		tbl, err := s.db.GetTable(name)
		if err != nil {
			continue
		}
		for i := 0; i < tbl.RangeCount(); i++ {
			tbl.EnqueueMerge(i)
		}
		log.Printf("lstoredb: maintenance pass enqueued merge for table %q (%d ranges)", name, tbl.RangeCount())
	}
}
