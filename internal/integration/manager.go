// Package integration manages the editor integration: detecting the editor
// binary and companion extension, driving jump-to-code and trace sync, and
// watching the workspace for changes. Commands prefer the companion channel
// and fall back to invoking the editor binary directly.
package integration

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"tracescope/internal/companion"
	"tracescope/internal/config"
	"tracescope/internal/logging"
)

// Status is a point-in-time view of the integration.
type Status struct {
	EditorDetected     bool  `json:"editor_detected"`
	ExtensionInstalled bool  `json:"extension_installed"`
	CompanionConnected bool  `json:"companion_connected"`
	LastCheckTime      int64 `json:"last_check_time"`
}

// Manager probes the editor toolchain and routes editor commands.
type Manager struct {
	cfg  config.IntegrationConfig
	host *companion.Host

	mu     sync.Mutex
	status Status

	checkInterval time.Duration
	stop          chan struct{}
	done          chan struct{}

	// Overridable for tests.
	lookPath   func(string) (string, error)
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

// NewManager creates a manager. Call Start to begin periodic checks.
func NewManager(cfg config.IntegrationConfig, host *companion.Host) *Manager {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil || interval < 0 {
		interval = 5 * time.Minute
	}
	return &Manager{
		cfg:           cfg,
		host:          host,
		checkInterval: interval,
		lookPath:      exec.LookPath,
		runCommand:    runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Status returns the last observed integration state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check probes the editor binary, the extension, and the companion channel,
// and records the result.
func (m *Manager) Check(ctx context.Context) Status {
	st := Status{LastCheckTime: time.Now().UnixMilli()}

	if _, err := m.lookPath(m.cfg.EditorBinary); err == nil {
		st.EditorDetected = true
		st.ExtensionInstalled = m.extensionInstalled(ctx)
	}
	if m.host != nil {
		st.CompanionConnected = m.host.Registered()
	}

	m.mu.Lock()
	m.status = st
	m.mu.Unlock()

	logging.IntegrationDebug("Check: editor=%v extension=%v companion=%v",
		st.EditorDetected, st.ExtensionInstalled, st.CompanionConnected)
	return st
}

func (m *Manager) extensionInstalled(ctx context.Context) bool {
	if m.cfg.ExtensionID == "" {
		return false
	}
	out, err := m.runCommand(ctx, m.cfg.EditorBinary, "--list-extensions")
	if err != nil {
		logging.IntegrationDebug("Extension listing failed: %v", err)
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), m.cfg.ExtensionID) {
			return true
		}
	}
	return false
}

// InstallExtension installs the companion extension through the editor CLI.
func (m *Manager) InstallExtension(ctx context.Context) error {
	if m.cfg.ExtensionID == "" {
		return errors.New("no extension id configured")
	}
	out, err := m.runCommand(ctx, m.cfg.EditorBinary, "--install-extension", m.cfg.ExtensionID)
	if err != nil {
		return fmt.Errorf("install extension: %w (%s)", err, strings.TrimSpace(out))
	}
	logging.Integration("Installed extension %s", m.cfg.ExtensionID)
	return nil
}

// JumpToCode opens file:line:column in the editor. The companion channel is
// tried first; without a registered peer the editor binary is invoked
// directly.
func (m *Manager) JumpToCode(ctx context.Context, file string, line, column int) error {
	if !m.cfg.EnableJumpToCode {
		return errors.New("jump-to-code is disabled")
	}

	if m.host != nil {
		err := m.host.SendJumpToCode(file, line, column)
		if err == nil {
			return nil
		}
		if !errors.Is(err, companion.ErrNoPeer) {
			logging.Integration("Companion jump failed, falling back: %v", err)
		}
	}

	if column < 1 {
		column = 1
	}
	target := fmt.Sprintf("%s:%d:%d", file, line, column)
	if out, err := m.runCommand(ctx, m.cfg.EditorBinary, "--goto", target); err != nil {
		return fmt.Errorf("open %s: %w (%s)", target, err, strings.TrimSpace(out))
	}
	return nil
}

// SyncTrace pushes a trace to the editor. There is no direct fallback; the
// command needs the extension.
func (m *Manager) SyncTrace(s companion.SyncTrace) error {
	if !m.cfg.EnableTraceSync {
		return errors.New("trace sync is disabled")
	}
	if m.host == nil {
		return companion.ErrNoPeer
	}
	return m.host.SendSyncTrace(s)
}

// Start runs an immediate check and then periodic rechecks until Stop.
// A zero interval disables the timer.
func (m *Manager) Start(ctx context.Context) {
	m.Check(ctx)
	if m.checkInterval == 0 {
		return
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.checkLoop(ctx, m.stop, m.done)
}

// Stop halts periodic checks.
func (m *Manager) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
	}
	m.stop = nil
	m.done = nil
}

func (m *Manager) checkLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
