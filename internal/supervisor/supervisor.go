// Package supervisor manages long-lived child processes. Children are
// detached from the supervisor's lifetime: shutdown never kills them, and a
// restarted supervisor re-adopts running children through their PID files.
package supervisor

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
)

// Supervisor owns the process set and reconciles it against configuration.
type Supervisor struct {
	mu           sync.Mutex
	procs        map[string]*Process
	settings     config.ProcessSettings
	scheduler    *Scheduler
	shuttingDown atomic.Bool
	started      bool
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{
		procs:     make(map[string]*Process),
		scheduler: NewScheduler(),
	}
}

// Apply reconciles the supervised set against file. New processes are started
// (or adopted), removed ones are detached without killing, and changed ones
// are updated: a changed command line means stop-and-respawn, while restart,
// health, and schedule changes apply in place.
func (s *Supervisor) Apply(file *config.ProcessFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if file == nil {
		file = &config.ProcessFile{}
	}
	s.settings = file.Settings

	var errs []error

	// Removed processes: detach, never kill.
	for id, proc := range s.procs {
		if _, ok := file.Processes[id]; ok {
			continue
		}
		logging.Info("process removed from config, detaching", zap.String("process", id))
		s.scheduler.Remove(id)
		proc.Detach()
		proc.mu.Lock()
		proc.state = StateRemoved
		proc.mu.Unlock()
		delete(s.procs, id)
	}

	for _, id := range sortedIDs(file.Processes) {
		cfg := file.Processes[id]
		if existing, ok := s.procs[id]; ok {
			if err := s.updateLocked(existing, cfg); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := s.addLocked(id, cfg); err != nil {
			errs = append(errs, err)
		}
	}

	if !s.started {
		s.scheduler.Start()
		s.started = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("supervisor reconcile: %d process(es) failed: %v", len(errs), errs)
	}
	return nil
}

func sortedIDs(m map[string]config.ProcessConfig) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) addLocked(id string, cfg config.ProcessConfig) error {
	proc := newProcess(id, cfg, s.settings, &s.shuttingDown)
	s.procs[id] = proc

	if cfg.Schedule.Enabled {
		return s.scheduleLocked(proc)
	}
	return proc.Start()
}

// updateLocked applies a config change to an existing process.
func (s *Supervisor) updateLocked(proc *Process, next config.ProcessConfig) error {
	proc.mu.Lock()
	prev := proc.cfg
	if reflect.DeepEqual(prev, next) {
		proc.mu.Unlock()
		return nil
	}

	respawn := commandChanged(prev, next)
	proc.cfg = next
	proc.pidPath = pidFilePath(proc.id, next, s.settings)
	proc.retry = newRetryBackoff(next)
	if !respawn && proc.state == StateRunning {
		// Health settings apply in place.
		proc.startHealthLocked()
	}
	wasRunning := proc.state == StateRunning
	proc.mu.Unlock()

	if next.Schedule.Enabled {
		if err := s.scheduleLocked(proc); err != nil {
			return err
		}
	} else {
		s.scheduler.Remove(proc.id)
	}

	if respawn && wasRunning {
		logging.Info("process command changed, respawning", zap.String("process", proc.id))
		return proc.ForceRestart()
	}
	if !wasRunning && !next.Schedule.Enabled {
		return proc.Start()
	}
	return nil
}

// commandChanged reports whether fields that require a fresh child differ.
func commandChanged(a, b config.ProcessConfig) bool {
	return a.Command != b.Command ||
		!reflect.DeepEqual(a.Args, b.Args) ||
		a.Cwd != b.Cwd ||
		!reflect.DeepEqual(a.Env, b.Env)
}

func (s *Supervisor) scheduleLocked(proc *Process) error {
	return s.scheduler.Add(proc.id, proc.cfg.Schedule,
		proc.Running,
		func() {
			if err := proc.Start(); err != nil {
				logging.Error("scheduled start failed", zap.String("process", proc.id), zap.Error(err))
			}
		},
		proc.Terminate,
	)
}

// Stop detaches a process by id: monitoring stops, the child keeps running,
// and the PID file stays for later adoption.
func (s *Supervisor) Stop(id string) error {
	proc, err := s.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.scheduler.Remove(id)
	s.mu.Unlock()
	proc.Detach()
	return nil
}

// ForceRestart kills and respawns a process by id.
func (s *Supervisor) ForceRestart(id string) error {
	proc, err := s.get(id)
	if err != nil {
		return err
	}
	return proc.ForceRestart()
}

func (s *Supervisor) get(id string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("unknown process %q", id)
	}
	return proc, nil
}

// Statuses returns snapshots for all supervised processes, sorted by id.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops scheduling and monitoring. Children are left running; the
// next supervisor adopts them through their PID files.
func (s *Supervisor) Shutdown() {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	s.scheduler.Stop()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Detach()
	}
	logging.Info("supervisor shut down, children left running", zap.Int("count", len(procs)))
}
