// Package maintenance runs the pipeline's periodic upkeep job: rotating
// backups of the Permanent Store on a cron schedule.
package maintenance

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mescon/eventpipe/internal/logger"
)

// Backupper is the C4 hook this scheduler drives, satisfied by *store.Store.
type Backupper interface {
	Backup(dbPath string) (string, error)
}

// Scheduler registers the backup sweep against a cron expression and owns
// its lifecycle, mirroring the teacher's SchedulerService shape trimmed to
// the single job this pipeline needs.
type Scheduler struct {
	store    Backupper
	dbPath   string
	cronExpr string
	cron     *cron.Cron

	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// New builds a Scheduler. cronExpr is a standard 5-field cron expression
// (see config.Config.MaintenanceCron); an invalid expression is reported by
// Start rather than New, matching the teacher's validate-on-register idiom.
func New(store Backupper, dbPath, cronExpr string) *Scheduler {
	return &Scheduler{
		store:    store,
		dbPath:   dbPath,
		cronExpr: cronExpr,
		cron:     cron.New(),
	}
}

// Start validates the configured cron expression, registers the backup job,
// and starts the cron engine. It is a no-op if already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.cronExpr, s.runBackup)
	if err != nil {
		return err
	}

	s.entryID = entryID
	s.cron.Start()
	s.started = true
	logger.Infof("Maintenance scheduler started (backup sweep: %s)", s.cronExpr)
	return nil
}

// Stop halts the cron engine, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false
}

func (s *Scheduler) runBackup() {
	path, err := s.store.Backup(s.dbPath)
	if err != nil {
		logger.Errorf("Scheduled backup failed: %v", err)
		return
	}
	logger.Infof("Scheduled backup written to %s", path)
}
