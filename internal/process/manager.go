package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const PIDFilename = ".chat-bridge.pid"

var ErrStopTimeout = errors.New("process did not exit in time")

type Manager struct {
	pidFile string
	mu      sync.RWMutex

	pollInterval time.Duration
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		pidFile:      filepath.Join(baseDir, PIDFilename),
		pollInterval: 100 * time.Millisecond,
	}
}

func (m *Manager) PIDFile() string {
	return m.pidFile
}

func (m *Manager) WritePID() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0750); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	pid := strconv.Itoa(os.Getpid())

	return os.WriteFile(m.pidFile, []byte(pid), 0600)
}

// ReadPID returns 0 when there is no readable pid file.
func (m *Manager) ReadPID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}

	return pid
}

// IsRunning reports whether the recorded process is alive. A stale pid
// file is removed.
func (m *Manager) IsRunning() bool {
	pid := m.ReadPID()
	if pid == 0 {
		return false
	}

	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		_ = m.CleanupPID()
		return false
	}

	return true
}

// Stop sends SIGTERM and waits up to timeout for the process to exit.
func (m *Manager) Stop(timeout time.Duration) error {
	pid := m.ReadPID()
	if pid == 0 {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return m.CleanupPID()
		}
		return fmt.Errorf("send SIGTERM to process %d: %w", pid, err)
	}

	if !m.waitFor(func() bool { return !m.IsRunning() }, timeout) {
		return fmt.Errorf("pid %d: %w", pid, ErrStopTimeout)
	}

	return m.CleanupPID()
}

// Reload asks a running gateway to re-read its configuration files. It
// reports false when nothing is running.
func (m *Manager) Reload() (bool, error) {
	if !m.IsRunning() {
		return false, nil
	}
	pid := m.ReadPID()
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return false, fmt.Errorf("send SIGHUP to process %d: %w", pid, err)
	}
	return true, nil
}

func (m *Manager) CleanupPID() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// WaitForService polls until a live process has registered its pid.
func (m *Manager) WaitForService(timeout time.Duration) bool {
	return m.waitFor(m.IsRunning, timeout)
}

func (m *Manager) waitFor(cond func() bool, timeout time.Duration) bool {
	expire := time.Now().Add(timeout)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if cond() {
			return true
		}
		if !time.Now().Before(expire) {
			return false
		}
		<-ticker.C
	}
}

// StartDetached re-executes the current binary with args in a new session
// and waits for it to write its pid. It reports false when a service was
// already running.
func (m *Manager) StartDetached(args []string, timeout time.Duration) (bool, error) {
	if m.IsRunning() {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("locate executable: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start service: %w", err)
	}
	// The child outlives us; only reap it if it dies during startup.
	go cmd.Wait() //nolint:errcheck

	if !m.WaitForService(timeout) {
		return false, errors.New("service startup timeout")
	}

	return true, nil
}
