package supervisor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
)

// Scheduler runs cron-scheduled process starts.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduler creates a stopped scheduler; call Start once entries exist.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels pending triggers. Running processes are untouched.
func (s *Scheduler) Stop() { s.cron.Stop() }

// Add registers (or replaces) the schedule for a process. start and stop are
// called from the cron goroutine; running reports whether the process is
// currently up for skipIfRunning.
func (s *Scheduler) Add(id string, sched config.ScheduleConfig, running func() bool, start func(), stop func()) error {
	s.Remove(id)

	spec := sched.Cron
	if sched.Timezone != "" {
		spec = "CRON_TZ=" + sched.Timezone + " " + spec
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		if sched.SkipIfRunning && running() {
			logging.Debug("scheduled start skipped, process running", zap.String("process", id))
			return
		}
		logging.Info("scheduled process start", zap.String("process", id))
		start()

		if sched.AutoStop && sched.MaxDuration > 0 {
			time.AfterFunc(time.Duration(sched.MaxDuration)*time.Millisecond, func() {
				logging.Info("scheduled process stop after max duration", zap.String("process", id))
				stop()
			})
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", id, err)
	}

	s.entries[id] = entryID
	return nil
}

// Remove drops the schedule for a process if one exists.
func (s *Scheduler) Remove(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}
