package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/turpault/proxy/internal/config"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestLogWriterPrefixesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.log")
	w, err := OpenLogWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	out := w.Stream("STDOUT")
	out.Write([]byte("first line\nsecond "))
	out.Write([]byte("half\r\n"))
	out.Close()
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if !strings.HasSuffix(lines[0], "[STDOUT] first line") {
		t.Errorf("line 0 = %q", lines[0])
	}
	// Partial writes join into one line and the \r is stripped.
	if !strings.HasSuffix(lines[1], "[STDOUT] second half") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestLogWriterFlushesPartialLineOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.log")
	w, err := OpenLogWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	s := w.Stream("STDERR")
	s.Write([]byte("no trailing newline"))
	s.Close()
	w.Close()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[STDERR] no trailing newline") {
		t.Errorf("partial line lost: %q", data)
	}
}

func TestPIDFileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids", "web.pid")
	if err := writePIDFile(path, 4242); err != nil {
		t.Fatal(err)
	}

	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}

	removePIDFile(path)
	if pid, err := readPIDFile(path); err != nil || pid != 0 {
		t.Errorf("after remove: pid=%d err=%v, want 0, nil", pid, err)
	}
}

func TestMalformedPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	os.WriteFile(path, []byte("not-a-pid\n"), 0o644)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error for malformed pid file")
	}

	os.WriteFile(path, []byte("-3\n"), 0o644)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error for non-positive pid")
	}
}

func TestPIDFilePathResolution(t *testing.T) {
	settings := config.ProcessSettings{}
	settings.PidManagement.PidDir = "/var/run/proxy"

	explicit := config.ProcessConfig{PidFile: "/custom/web.pid"}
	if got := pidFilePath("web", explicit, settings); got != "/custom/web.pid" {
		t.Errorf("explicit pidFile: %q", got)
	}
	if got := pidFilePath("web", config.ProcessConfig{}, settings); got != "/var/run/proxy/web.pid" {
		t.Errorf("pidDir fallback: %q", got)
	}
	if got := pidFilePath("web", config.ProcessConfig{}, config.ProcessSettings{}); got != filepath.Join(os.TempDir(), "web.pid") {
		t.Errorf("tmp fallback: %q", got)
	}
}

func TestBuildEnvFiltersInternalVariables(t *testing.T) {
	t.Setenv("CONFIG_FILE", "/etc/proxy/main.yaml")
	t.Setenv("LETSENCRYPT_EMAIL", "ops@example.com")
	t.Setenv("KEEP_ME", "yes")

	env := buildEnv("web", config.ProcessConfig{Name: "Web Server"})

	byName := map[string]string{}
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		byName[name] = value
	}
	if _, ok := byName["CONFIG_FILE"]; ok {
		t.Error("CONFIG_FILE leaked to child")
	}
	if _, ok := byName["LETSENCRYPT_EMAIL"]; ok {
		t.Error("LETSENCRYPT_EMAIL leaked to child")
	}
	if byName["KEEP_ME"] != "yes" {
		t.Error("ordinary environment not inherited")
	}
	if byName["PROCESS_ID"] != "web" || byName["PROCESS_NAME"] != "Web Server" {
		t.Errorf("builtins missing: PROCESS_ID=%q PROCESS_NAME=%q", byName["PROCESS_ID"], byName["PROCESS_NAME"])
	}
	if byName["TIMESTAMP"] == "" || byName["RANDOM"] == "" {
		t.Error("TIMESTAMP and RANDOM builtins missing")
	}
}

func TestBuildEnvExpandsPlaceholders(t *testing.T) {
	t.Setenv("DATA_ROOT", "/srv/data")

	cfg := config.ProcessConfig{
		Name: "worker",
		Env: map[string]string{
			"STORAGE": "${DATA_ROOT}/files",
			"WHO":     "${PROCESS_ID}",
			"MISSING": "${NOT_SET_ANYWHERE}",
		},
	}
	env := buildEnv("w1", cfg)

	byName := map[string]string{}
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		byName[name] = value
	}
	if byName["STORAGE"] != "/srv/data/files" {
		t.Errorf("STORAGE = %q", byName["STORAGE"])
	}
	if byName["WHO"] != "w1" {
		t.Errorf("builtin expansion: WHO = %q", byName["WHO"])
	}
	// Unset placeholders stay verbatim.
	if byName["MISSING"] != "${NOT_SET_ANYWHERE}" {
		t.Errorf("MISSING = %q", byName["MISSING"])
	}
}

func TestHealthURLResolution(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		target string
		want   string
	}{
		{"default path", "", "http://localhost:3000", "http://localhost:3000/health"},
		{"relative path", "/ready", "http://localhost:3000/", "http://localhost:3000/ready"},
		{"absolute url bypasses target", "http://127.0.0.1:9090/ping", "http://localhost:3000", "http://127.0.0.1:9090/ping"},
		{"no target, relative path", "/ready", "", ""},
	}
	for _, tt := range tests {
		cfg := config.HealthCheckConfig{Path: tt.path}
		if got := healthURL(cfg, tt.target); got != tt.want {
			t.Errorf("%s: healthURL = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCommandChanged(t *testing.T) {
	base := config.ProcessConfig{
		Command: "node",
		Args:    []string{"server.js"},
		Cwd:     "/srv/app",
		Env:     map[string]string{"PORT": "3000"},
	}

	same := base
	same.MaxRestarts = intPtr(10)
	same.HealthCheck.Enabled = true
	if commandChanged(base, same) {
		t.Error("restart and health changes must not count as command changes")
	}

	tests := []struct {
		name   string
		mutate func(*config.ProcessConfig)
	}{
		{"command", func(c *config.ProcessConfig) { c.Command = "bun" }},
		{"args", func(c *config.ProcessConfig) { c.Args = []string{"server.js", "--debug"} }},
		{"cwd", func(c *config.ProcessConfig) { c.Cwd = "/srv/other" }},
		{"env", func(c *config.ProcessConfig) { c.Env = map[string]string{"PORT": "4000"} }},
	}
	for _, tt := range tests {
		changed := base
		tt.mutate(&changed)
		if !commandChanged(base, changed) {
			t.Errorf("%s change not detected", tt.name)
		}
	}
}

func TestHealthKillSchedulesDelayedRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ProcessConfig{
		Name:         "sleeper",
		Command:      "sleep",
		Args:         []string{"60"},
		RestartDelay: int64Ptr(5000),
		MaxRestarts:  intPtr(3),
		PidFile:      filepath.Join(dir, "sleeper.pid"),
		LogFile:      filepath.Join(dir, "sleeper.log"),
		// Nothing listens on port 1, so every check fails immediately.
		Target: "http://127.0.0.1:1",
		HealthCheck: config.HealthCheckConfig{
			Enabled:  true,
			Path:     "/health",
			Interval: 50,
			Timeout:  200,
			Retries:  1,
		},
	}

	var shutdown atomic.Bool
	p := newProcess("sleeper", cfg, config.ProcessSettings{}, &shutdown)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	firstPID := p.Status().PID
	t.Cleanup(func() {
		p.Detach()
		if pid := p.Status().PID; pid > 0 {
			syscall.Kill(-pid, syscall.SIGKILL)
		}
		if firstPID > 0 {
			syscall.Kill(-firstPID, syscall.SIGKILL)
		}
	})

	deadline := time.Now().Add(3 * time.Second)
	for p.Status().State != StateRestarting && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	st := p.Status()
	if st.State != StateRestarting {
		t.Fatalf("state = %s, want %s after health kill", st.State, StateRestarting)
	}
	if st.RestartCount != 1 {
		t.Errorf("restartCount = %d, want 1", st.RestartCount)
	}
	// The respawn is armed but must wait out the configured delay.
	if p.Running() {
		t.Error("respawned before the restart delay elapsed")
	}
	if st.LastExit == nil || st.LastExit.Normal {
		t.Errorf("lastExit = %+v, want abnormal exit record", st.LastExit)
	}
	if _, err := os.Stat(cfg.PidFile); !os.IsNotExist(err) {
		t.Error("pid file not removed after health kill")
	}
}

func TestSchedulerRejectsInvalidCron(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	err := s.Add("job", config.ScheduleConfig{Enabled: true, Cron: "not a cron expr"},
		func() bool { return false }, func() {}, func() {})
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestSchedulerAcceptsStandardSpec(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	err := s.Add("nightly", config.ScheduleConfig{Enabled: true, Cron: "0 3 * * *", Timezone: "America/New_York"},
		func() bool { return false }, func() {}, func() {})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
}
