package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/turpault/proxy/internal/config"
)

// pidFilePath picks the PID file location: explicit pidFile, then the shared
// pidDir, then /tmp.
func pidFilePath(id string, cfg config.ProcessConfig, settings config.ProcessSettings) string {
	if cfg.PidFile != "" {
		return cfg.PidFile
	}
	if dir := settings.PidManagement.PidDir; dir != "" {
		return filepath.Join(dir, id+".pid")
	}
	return filepath.Join(os.TempDir(), id+".pid")
}

// logFilePath picks the log file location: explicit logFile, then the shared
// logDir, then alongside the PID file's default.
func logFilePath(id string, cfg config.ProcessConfig, settings config.ProcessSettings) string {
	if cfg.LogFile != "" {
		return cfg.LogFile
	}
	if dir := settings.Logging.LogDir; dir != "" {
		return filepath.Join(dir, id+".log")
	}
	return filepath.Join(os.TempDir(), id+".log")
}

// writePIDFile writes the pid atomically so a crashed write never leaves a
// truncated file for adoption to misread.
func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// readPIDFile returns the pid recorded at path, or 0 when absent.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

func removePIDFile(path string) {
	os.Remove(path)
}
