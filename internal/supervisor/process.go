package supervisor

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
)

// State is a process lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
	StateRemoved    State = "removed"
)

const monitorInterval = time.Second

// ExitInfo records the last observed exit.
type ExitInfo struct {
	At     time.Time `json:"at"`
	Normal bool      `json:"normal"`
	Detail string    `json:"detail,omitempty"`
}

// Process is one supervised child. Children run detached in their own process
// group and survive supervisor shutdown; the supervisor reattaches by PID
// file on the next start.
type Process struct {
	id           string
	shuttingDown *atomic.Bool

	mu           sync.Mutex
	cfg          config.ProcessConfig
	settings     config.ProcessSettings
	state        State
	cmd          *exec.Cmd // nil when adopted
	pid          int
	pidPath      string
	logw         *LogWriter
	reconnected  bool
	restartCount int
	startedAt    time.Time
	lastExit     *ExitInfo
	detached     bool
	stopping     bool
	health       *healthMonitor
	retry        backoff.BackOff

	// gen invalidates monitors of earlier incarnations.
	gen int
}

func newProcess(id string, cfg config.ProcessConfig, settings config.ProcessSettings, shuttingDown *atomic.Bool) *Process {
	return &Process{
		id:           id,
		cfg:          cfg,
		settings:     settings,
		shuttingDown: shuttingDown,
		state:        StateStopped,
		pidPath:      pidFilePath(id, cfg, settings),
		retry:        newRetryBackoff(cfg),
	}
}

func newRetryBackoff(cfg config.ProcessConfig) backoff.BackOff {
	if d := cfg.RestartDelayMs(); d > 0 {
		return backoff.NewConstantBackOff(time.Duration(d) * time.Millisecond)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start brings the process up: adopt a live PID from a previous run if one
// exists, otherwise spawn fresh.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning {
		return nil
	}
	p.detached = false
	p.stopping = false

	if pid, _ := readPIDFile(p.pidPath); pid > 0 {
		if alive, _ := process.PidExists(int32(pid)); alive {
			p.adoptLocked(pid)
			return nil
		}
		logging.Info("removing stale pid file",
			zap.String("process", p.id),
			zap.Int("pid", pid),
		)
		removePIDFile(p.pidPath)
	}

	return p.spawnLocked()
}

// adoptLocked attaches to an already-running child without spawning.
func (p *Process) adoptLocked(pid int) {
	logging.Info("adopted running process",
		zap.String("process", p.id),
		zap.Int("pid", pid),
	)
	p.pid = pid
	p.cmd = nil
	p.reconnected = true
	p.state = StateRunning
	p.startedAt = time.Now()
	p.gen++
	go p.monitor(p.gen, pid, nil)
	p.startHealthLocked()
}

// spawnLocked starts a fresh detached child.
func (p *Process) spawnLocked() error {
	if p.logw == nil {
		logw, err := OpenLogWriter(logFilePath(p.id, p.cfg, p.settings))
		if err != nil {
			return err
		}
		p.logw = logw
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Cwd
	cmd.Env = buildEnv(p.id, p.cfg)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", p.id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", p.id, err)
	}

	if err := cmd.Start(); err != nil {
		p.state = StateFailed
		return fmt.Errorf("starting %s: %w", p.id, err)
	}

	go pump(p.logw.Stream("STDOUT"), stdout)
	go pump(p.logw.Stream("STDERR"), stderr)

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.reconnected = false
	p.state = StateRunning
	p.startedAt = time.Now()

	if err := writePIDFile(p.pidPath, p.pid); err != nil {
		logging.Warn("pid file write failed", zap.String("process", p.id), zap.Error(err))
	}

	logging.Info("process started",
		zap.String("process", p.id),
		zap.String("command", p.cfg.Command),
		zap.Int("pid", p.pid),
	)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	p.gen++
	go p.monitor(p.gen, p.pid, waitCh)
	p.startHealthLocked()
	return nil
}

// pump copies one output stream into the log writer until the pipe closes.
func pump(dst io.WriteCloser, src io.Reader) {
	io.Copy(dst, src)
	dst.Close()
}

func (p *Process) startHealthLocked() {
	if p.health != nil {
		p.health.stop()
		p.health = nil
	}
	if !p.cfg.HealthCheck.Enabled {
		return
	}
	p.health = newHealthMonitor(p.id, p.cfg.HealthCheck, p.cfg.Target, p.onHealthFailure)
	if p.health != nil {
		p.health.start()
	}
}

// monitor watches one incarnation of the child: a ~1s liveness poll, plus the
// Wait channel for spawned children.
func (p *Process) monitor(gen, pid int, waitCh <-chan error) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitCh:
			p.onExit(gen, err == nil, errDetail(err))
			return
		case <-ticker.C:
			if p.stale(gen) {
				return
			}
			alive, checkErr := process.PidExists(int32(pid))
			if checkErr == nil && !alive {
				// Adopted children have no Wait channel; exit status is
				// unknown, treat disappearance as abnormal.
				p.onExit(gen, false, "process disappeared")
				return
			}
		}
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Process) stale(gen int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.gen
}

// onExit handles an observed child exit for the given incarnation.
func (p *Process) onExit(gen int, normal bool, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		return
	}
	p.gen++ // retire the monitor

	p.lastExit = &ExitInfo{At: time.Now(), Normal: normal, Detail: detail}
	if p.health != nil {
		p.health.stop()
		p.health = nil
	}

	logging.Info("process exited",
		zap.String("process", p.id),
		zap.Int("pid", p.pid),
		zap.Bool("normal", normal),
		zap.String("detail", detail),
	)

	if p.stopping || p.detached || p.state == StateRemoved {
		p.state = StateStopped
		removePIDFile(p.pidPath)
		return
	}

	if p.shuttingDown.Load() {
		// Shutdown never kills, but a child that exits on its own during
		// shutdown is cleaned up when the exit was clean.
		if normal {
			removePIDFile(p.pidPath)
		}
		p.state = StateStopped
		return
	}

	if !p.cfg.RestartEnabled() || p.restartBudgetExhaustedLocked() {
		p.state = StateFailed
		// Abnormal exits keep the PID file for postmortem; clean exits don't.
		if normal {
			removePIDFile(p.pidPath)
		}
		return
	}

	p.scheduleRestartLocked()
}

func (p *Process) restartBudgetExhaustedLocked() bool {
	budget := p.cfg.RestartBudget()
	return budget == 0 || p.restartCount >= budget
}

// scheduleRestartLocked arms a delayed respawn of the current incarnation.
// The caller has already checked the restart budget.
func (p *Process) scheduleRestartLocked() {
	p.restartCount++
	p.state = StateRestarting
	delay := p.retry.NextBackOff()
	gen := p.gen
	logging.Info("scheduling restart",
		zap.String("process", p.id),
		zap.Int("attempt", p.restartCount),
		zap.Int("maxRestarts", p.cfg.RestartBudget()),
		zap.Duration("delay", delay),
	)

	time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if gen != p.gen || p.state != StateRestarting || p.shuttingDown.Load() {
			return
		}
		if err := p.spawnLocked(); err != nil {
			logging.Error("restart failed", zap.String("process", p.id), zap.Error(err))
			p.state = StateFailed
		}
	})
}

// onHealthFailure is the one supervisor-initiated kill: SIGKILL the group,
// drop the PID file, then respawn through the same delayed restart
// accounting as an unexpected exit.
func (p *Process) onHealthFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return
	}

	logging.Warn("health check exhausted retries, killing process",
		zap.String("process", p.id),
		zap.Int("pid", p.pid),
	)
	p.killLocked()
	removePIDFile(p.pidPath)
	p.lastExit = &ExitInfo{At: time.Now(), Normal: false, Detail: "killed after failed health checks"}

	if !p.cfg.RestartEnabled() || p.shuttingDown.Load() {
		p.state = StateStopped
		return
	}
	if p.restartBudgetExhaustedLocked() {
		p.state = StateFailed
		return
	}
	p.scheduleRestartLocked()
}

// killLocked SIGKILLs the child's process group and retires its monitor.
func (p *Process) killLocked() {
	p.gen++
	if p.health != nil {
		p.health.stop()
		p.health = nil
	}
	if p.pid > 0 {
		// Children start with Setpgid, so pgid == pid.
		syscall.Kill(-p.pid, syscall.SIGKILL)
		syscall.Kill(p.pid, syscall.SIGKILL)
	}
	if p.cmd != nil {
		go p.cmd.Wait() // reap
		p.cmd = nil
	}
}

// Detach stops monitoring without touching the child. The PID file stays so
// a later supervisor can adopt it.
func (p *Process) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
	p.gen++
	if p.health != nil {
		p.health.stop()
		p.health = nil
	}
	if p.state == StateRunning {
		p.state = StateStopped
	}
}

// Terminate sends SIGTERM; used by schedule autoStop. The monitor observes
// the exit with stopping set so no restart follows.
func (p *Process) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return
	}
	p.stopping = true
	if p.pid > 0 {
		syscall.Kill(-p.pid, syscall.SIGTERM)
		syscall.Kill(p.pid, syscall.SIGTERM)
	}
}

// ForceRestart kills the child and spawns a fresh one, resetting restart
// accounting.
func (p *Process) ForceRestart() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning {
		p.killLocked()
		removePIDFile(p.pidPath)
	}
	p.restartCount = 0
	p.retry.Reset()
	p.detached = false
	p.stopping = false
	return p.spawnLocked()
}

// Running reports whether the process is currently up.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning
}

// Status is a point-in-time snapshot for the management API.
type Status struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	Reconnected  bool      `json:"reconnected"`
	RestartCount int       `json:"restartCount"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	LastExit     *ExitInfo `json:"lastExit,omitempty"`
	Scheduled    bool      `json:"scheduled"`
}

// Status returns the current snapshot.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ID:           p.id,
		Name:         p.cfg.Name,
		State:        p.state,
		PID:          p.pid,
		Reconnected:  p.reconnected,
		RestartCount: p.restartCount,
		StartedAt:    p.startedAt,
		LastExit:     p.lastExit,
		Scheduled:    p.cfg.Schedule.Enabled,
	}
}
