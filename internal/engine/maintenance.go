package engine

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	pruneSchedule    = "0 0 * * *"
	snapshotSchedule = "*/5 * * * *"

	pruneRetention = 24 * time.Hour
)

// Maintenance runs the periodic jobs: a nightly prune of stale index members
// and a five-minute snapshot-and-reconcile cycle that persists per-department
// queue state and realigns the index with the store.
type Maintenance struct {
	engine *Engine
	cron   *cron.Cron
}

func NewMaintenance(e *Engine) (*Maintenance, error) {
	m := &Maintenance{
		engine: e,
		cron:   cron.New(),
	}
	if _, err := m.cron.AddFunc(pruneSchedule, m.runPrune); err != nil {
		return nil, err
	}
	if _, err := m.cron.AddFunc(snapshotSchedule, m.runSnapshot); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintenance) runPrune() {
	cutoff := m.engine.now().UTC().Add(-pruneRetention)
	pruned := m.engine.index.PruneBefore(cutoff)
	log.Printf("maintenance: pruned %d stale index members older than %s", pruned, cutoff.Format(time.RFC3339))
}

func (m *Maintenance) runSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := m.engine.SnapshotQueues(ctx); err != nil {
		log.Printf("maintenance: snapshot failed: %v", err)
	}
	if err := m.engine.RebuildIndex(ctx); err != nil {
		log.Printf("maintenance: index reconcile failed: %v", err)
	}
}
