// Package launcher starts and stops the microVM runtime process,
// preferring the privileged jailer supervisor when available and falling
// back to an unprivileged development launch path.
package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// Handle tracks one launched VM process and its log directory.
type Handle struct {
	VMID   string
	PID    int
	LogDir string

	cmd    *exec.Cmd
	waitCh chan struct{}
}

// Alive reports whether the process is still running. A reaped or dead
// process is simply not alive; this never errors.
func (h *Handle) Alive() bool {
	if h == nil || h.cmd == nil {
		return false
	}
	select {
	case <-h.waitCh:
		return false
	default:
		return true
	}
}

// Launcher starts microVM processes and captures their output under the
// results root.
type Launcher struct {
	resultsRoot string
	devLauncher string
	logger      *slog.Logger

	// lookPath is swappable so tests can control jailer discovery.
	lookPath func(string) (string, error)
}

// New creates a launcher writing per-VM logs under resultsRoot.
// devLauncher is the unprivileged fallback script; it may be empty.
func New(resultsRoot, devLauncher string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		resultsRoot: resultsRoot,
		devLauncher: devLauncher,
		logger:      logger.With("component", "launcher"),
		lookPath:    exec.LookPath,
	}
}

// command picks the launch path: jailer when preferred and discoverable,
// else the dev launcher script, else a placeholder that parks until
// terminated.
func (l *Launcher) command(vmID, configPath string, preferJailer bool, extraArgs []string) []string {
	if preferJailer {
		if path, err := l.lookPath("jailer"); err == nil {
			return []string{path, "--vm-id", vmID, "--config", configPath}
		}
		l.logger.Warn("jailer requested but not found, falling back", "vm_id", vmID)
	}

	if l.devLauncher != "" {
		if _, err := os.Stat(l.devLauncher); err == nil {
			cmd := []string{l.devLauncher, vmID, configPath}
			return append(cmd, extraArgs...)
		}
	}

	return []string{"/bin/sleep", "60"}
}

// Launch starts the VM process, redirecting stdout/stderr into
// launcher.out and launcher.err under <resultsRoot>/<vm_id>/ and
// persisting the PID to launcher.pid.
func (l *Launcher) Launch(vmID, configPath string, preferJailer bool, extraArgs []string) (*Handle, error) {
	logDir := filepath.Join(l.resultsRoot, vmID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	argv := l.command(vmID, configPath, preferJailer, extraArgs)

	stdout, err := os.Create(filepath.Join(logDir, "launcher.out"))
	if err != nil {
		return nil, fmt.Errorf("open launcher.out: %w", err)
	}
	stderr, err := os.Create(filepath.Join(logDir, "launcher.err"))
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("open launcher.err: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start launcher %s: %w", argv[0], err)
	}

	h := &Handle{
		VMID:   vmID,
		PID:    cmd.Process.Pid,
		LogDir: logDir,
		cmd:    cmd,
		waitCh: make(chan struct{}),
	}

	// Reap in the background so Alive and Terminate can observe exit
	// without racing over Wait.
	go func() {
		_ = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(h.waitCh)
	}()

	pidPath := filepath.Join(logDir, "launcher.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(h.PID)), 0o644); err != nil {
		l.logger.Warn("failed to write pid file", "vm_id", vmID, "error", err)
	}

	l.logger.Info("VM process launched",
		"vm_id", vmID,
		"pid", h.PID,
		"command", argv[0],
		"log_dir", logDir,
	)
	return h, nil
}

// Terminate stops the process with a graceful-then-forceful escalation:
// SIGTERM, wait up to timeout, SIGKILL. It never returns an error; a
// process that already exited needs no signaling, and the pid file is
// removed best-effort.
func (l *Launcher) Terminate(h *Handle, timeout time.Duration) {
	if h == nil {
		return
	}

	if h.Alive() {
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			l.logger.Debug("terminate signal failed", "vm_id", h.VMID, "error", err)
		}

		select {
		case <-h.waitCh:
			l.logger.Debug("VM process exited gracefully", "vm_id", h.VMID, "pid", h.PID)
		case <-time.After(timeout):
			l.logger.Warn("graceful shutdown timed out, killing",
				"vm_id", h.VMID, "pid", h.PID)
			_ = h.cmd.Process.Kill()
			<-h.waitCh
		}
	}

	pidPath := filepath.Join(h.LogDir, "launcher.pid")
	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove pid file", "vm_id", h.VMID, "error", err)
	}
}
