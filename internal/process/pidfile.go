package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile records pid and its start time so a later run can tell a
// leftover backend from an unrelated process that reused the pid.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(pidMeta{StartUnix: startUnix(pid)})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile returns the pid and recorded start time (0 if absent).
func ReadPIDFile(path string) (int, int64, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, 0, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var m pidMeta
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &m)
	}
	return pid, m.StartUnix, nil
}

// RemovePIDFile is best-effort.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ReapStale terminates a backend left behind by a previous host that died
// without running shutdown. It returns the pid it terminated, or 0.
func ReapStale(path string, term Terminator, grace time.Duration, log *slog.Logger) (int, error) {
	if path == "" {
		return 0, nil
	}
	pid, recorded, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		RemovePIDFile(path)
		return 0, err
	}
	defer RemovePIDFile(path)

	if !Alive(pid) {
		return 0, nil
	}
	if recorded != 0 {
		if actual := startUnix(pid); actual != 0 && actual != recorded {
			// pid was recycled by an unrelated process
			return 0, nil
		}
	}
	if log != nil {
		log.Warn("terminating stale backend from previous run", "pid", pid, "pidfile", path)
	}
	if term.Graceful() {
		_ = term.Terminate(pid, true)
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) && Alive(pid) {
			time.Sleep(25 * time.Millisecond)
		}
	}
	if err := term.Terminate(pid, false); err != nil {
		return pid, fmt.Errorf("terminate stale backend %d: %w", pid, err)
	}
	return pid, nil
}
