// Package vpn manages OpenVPN egress tunnels. Sources that throttle by
// client address get a fresh exit point by rotating to the least
// recently used tunnel config.
package vpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/lexbr/norm-harvester/internal/metrics"
)

const (
	defaultStabilityWindow = 15 * time.Second
	quickFailDelay         = time.Second
	pollInterval           = 500 * time.Millisecond
	terminateWait          = 5 * time.Second
	killWait               = 2 * time.Second
	reapInterval           = 200 * time.Millisecond
)

var (
	// ErrExecutableNotFound indicates no usable openvpn binary.
	ErrExecutableNotFound = errors.New("openvpn executable not found")
	// ErrConfigNotFound indicates a tunnel config path that does not exist.
	ErrConfigNotFound = errors.New("vpn config file not found")
	// ErrUnknownConfig indicates a config name this manager was not built with.
	ErrUnknownConfig = errors.New("vpn config not managed")
)

var commonExecutablePaths = []string{
	"/usr/sbin/openvpn",
	"/usr/local/sbin/openvpn",
	"/opt/homebrew/sbin/openvpn",
}

// Credentials is an auth-user-pass pair for one tunnel.
type Credentials struct {
	Username string
	Password string
}

// Config declares the tunnels a Manager controls.
type Config struct {
	// Executable overrides PATH lookup when set.
	Executable string
	// ConfigPaths lists the .ovpn files to manage. Names are file stems.
	ConfigPaths []string
	// Credentials maps config names to specific credentials.
	Credentials map[string]Credentials
	// Default is used for configs absent from Credentials. An empty
	// username means the config carries its own auth.
	Default Credentials
	// StabilityWindow is how long a fresh process must stay alive
	// before the connection counts as established.
	StabilityWindow time.Duration
	// Shuffle randomizes the initial rotation order instead of sorting it.
	Shuffle bool
}

// Manager supervises openvpn processes for a fixed set of configs and
// keeps a least-recently-used rotation order across them. It satisfies
// the egress rotation contract of the fetch client.
type Manager struct {
	log        *zap.Logger
	executable string
	configs    map[string]string
	creds      map[string]Credentials
	defaults   Credentials
	window     time.Duration

	mu     sync.Mutex
	queue  []string
	active map[string]int32
}

// NewManager resolves the openvpn executable and every config path.
// Any missing file is a construction error rather than a runtime
// surprise mid-crawl.
func NewManager(cfg Config, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.ConfigPaths) == 0 {
		return nil, errors.New("at least one vpn config is required")
	}

	executable, err := resolveExecutable(cfg.Executable)
	if err != nil {
		return nil, err
	}

	configs := make(map[string]string, len(cfg.ConfigPaths))
	names := make([]string, 0, len(cfg.ConfigPaths))
	for _, raw := range cfg.ConfigPaths {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", raw, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, abs)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrConfigNotFound, abs)
		}
		name := configName(abs)
		if _, dup := configs[name]; dup {
			log.Warn("duplicate vpn config name, keeping the last file", zap.String("name", name))
		} else {
			names = append(names, name)
		}
		configs[name] = abs
	}

	if cfg.Shuffle {
		rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	} else {
		sort.Strings(names)
	}

	window := cfg.StabilityWindow
	if window <= 0 {
		window = defaultStabilityWindow
	}

	m := &Manager{
		log:        log,
		executable: executable,
		configs:    configs,
		creds:      cfg.Credentials,
		defaults:   cfg.Default,
		window:     window,
		queue:      names,
		active:     make(map[string]int32),
	}
	log.Info("vpn manager ready",
		zap.Int("configs", len(names)),
		zap.String("executable", executable),
	)
	return m, nil
}

// Connect brings up the named tunnel. A process already serving this
// config, started by us or not, counts as connected. The new process
// must survive the stability window or Connect fails.
func (m *Manager) Connect(ctx context.Context, name string) error {
	path, ok := m.configs[name]
	if !ok {
		return fmt.Errorf("%w: %q (managed: %s)", ErrUnknownConfig, name, strings.Join(m.Names(), ", "))
	}

	if proc := findProcessForConfig(path); proc != nil {
		m.log.Info("vpn already connected",
			zap.String("config", name),
			zap.Int32("pid", proc.Pid),
		)
		m.track(name, proc.Pid)
		m.moveToBack(name)
		return nil
	}

	args := []string{"--config", path}
	if creds, ok := m.credsFor(name); ok {
		credFile, err := writeCredFile(name, creds)
		if err != nil {
			return fmt.Errorf("write credential file: %w", err)
		}
		defer func() {
			if err := os.Remove(credFile); err != nil && !os.IsNotExist(err) {
				m.log.Warn("remove credential file", zap.Error(err))
			}
		}()
		args = append(args, "--auth-user-pass", credFile)
	}

	cmd := exec.Command(m.executable, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start openvpn: %w", err)
	}
	pid := int32(cmd.Process.Pid)
	m.log.Info("openvpn started", zap.String("config", name), zap.Int32("pid", pid))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.streamOutput(name, "stdout", stdout)
	}()
	go func() {
		defer readers.Done()
		m.streamOutput(name, "stderr", stderr)
	}()
	go func() {
		readers.Wait()
		_ = cmd.Wait()
	}()

	if err := m.waitStable(ctx, name, pid); err != nil {
		if pidRunning(pid) {
			if proc, procErr := process.NewProcess(pid); procErr == nil {
				_ = proc.Terminate()
			}
		}
		return err
	}

	m.track(name, pid)
	m.moveToBack(name)
	m.log.Info("vpn connection stable",
		zap.String("config", name),
		zap.Int32("pid", pid),
		zap.Duration("window", m.window),
	)
	return nil
}

// Disconnect stops the tunnel for name. No running process is success.
func (m *Manager) Disconnect(name string) error {
	path, ok := m.configs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConfig, name)
	}

	proc := m.trackedProcess(name)
	if proc == nil || !processRunning(proc) {
		proc = findProcessForConfig(path)
	}
	if proc == nil || !processRunning(proc) {
		m.untrack(name)
		return nil
	}

	pid := proc.Pid
	m.log.Info("terminating openvpn", zap.String("config", name), zap.Int32("pid", pid))
	defer m.untrack(name)

	if err := proc.Terminate(); err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if waitGone(pid, terminateWait) {
		return nil
	}

	m.log.Warn("openvpn ignored SIGTERM, killing", zap.String("config", name), zap.Int32("pid", pid))
	if err := proc.Kill(); err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if waitGone(pid, killWait) {
		return nil
	}
	return fmt.Errorf("pid %d survived SIGKILL", pid)
}

// DisconnectAll stops every managed tunnel. A failure on one config
// does not stop the others.
func (m *Manager) DisconnectAll() map[string]error {
	results := make(map[string]error, len(m.configs))
	for _, name := range m.Names() {
		results[name] = m.Disconnect(name)
	}
	return results
}

// Rotate tears down all tunnels and connects the least recently used
// config. The fetch client calls this when a source blocks us.
func (m *Manager) Rotate(ctx context.Context) error {
	next, ok := m.front()
	if !ok {
		return errors.New("vpn rotation queue is empty")
	}
	m.log.Info("rotating vpn egress", zap.String("next", next))

	for name, err := range m.DisconnectAll() {
		if err != nil {
			m.log.Warn("disconnect during rotation failed", zap.String("config", name), zap.Error(err))
		}
	}
	if err := m.Connect(ctx, next); err != nil {
		return fmt.Errorf("connect %s: %w", next, err)
	}
	metrics.ObserveVPNRotation()
	return nil
}

// Connected reports whether any managed config has a live process.
func (m *Manager) Connected() bool {
	for name, path := range m.configs {
		if proc := findProcessForConfig(path); proc != nil {
			m.track(name, proc.Pid)
			return true
		}
	}
	return false
}

// Names returns the managed config names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queue returns the rotation order, least recently used first.
func (m *Manager) Queue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queue...)
}

func (m *Manager) waitStable(ctx context.Context, name string, pid int32) error {
	if err := sleepCtx(ctx, quickFailDelay); err != nil {
		return err
	}
	if !pidRunning(pid) {
		return fmt.Errorf("openvpn for %q terminated quickly, check credentials and config", name)
	}

	for elapsed := quickFailDelay; elapsed < m.window; elapsed += pollInterval {
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
		if !pidRunning(pid) {
			return fmt.Errorf("openvpn for %q died %.1fs into the stability window", name, elapsed.Seconds())
		}
	}
	return nil
}

func (m *Manager) streamOutput(name, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.log.Debug("openvpn",
			zap.String("config", name),
			zap.String("stream", stream),
			zap.String("line", line),
		)
	}
}

func (m *Manager) credsFor(name string) (Credentials, bool) {
	if creds, ok := m.creds[name]; ok {
		return creds, true
	}
	if m.defaults.Username != "" {
		return m.defaults, true
	}
	return Credentials{}, false
}

func (m *Manager) track(name string, pid int32) {
	m.mu.Lock()
	m.active[name] = pid
	m.mu.Unlock()
}

func (m *Manager) untrack(name string) {
	m.mu.Lock()
	delete(m.active, name)
	m.mu.Unlock()
}

func (m *Manager) trackedProcess(name string) *process.Process {
	m.mu.Lock()
	pid, ok := m.active[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	return proc
}

func (m *Manager) front() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return "", false
	}
	return m.queue[0], true
}

func (m *Manager) moveToBack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, queued := range m.queue {
		if queued == name {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.queue = append(m.queue, name)
}

func resolveExecutable(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, explicit)
		}
		return explicit, nil
	}
	if found, err := exec.LookPath("openvpn"); err == nil {
		return found, nil
	}
	for _, candidate := range commonExecutablePaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrExecutableNotFound
}

func configName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// findProcessForConfig scans OS processes for an openvpn serving
// configPath. Catching processes we did not spawn lets a restarted
// harvester adopt tunnels left over from a previous run.
func findProcessForConfig(configPath string) *process.Process {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	self := int32(os.Getpid())
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		name, err := proc.Name()
		if err != nil || !strings.Contains(strings.ToLower(name), "openvpn") {
			continue
		}
		cmdline, err := proc.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, "--config") && strings.Contains(cmdline, configPath) && processRunning(proc) {
			return proc
		}
	}
	return nil
}

func pidRunning(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	return processRunning(proc)
}

func processRunning(proc *process.Process) bool {
	if proc == nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		return false
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return false
		}
	}
	return true
}

func waitGone(pid int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidRunning(pid) {
			return true
		}
		time.Sleep(reapInterval)
	}
	return !pidRunning(pid)
}

func writeCredFile(name string, creds Credentials) (string, error) {
	f, err := os.CreateTemp("", "ovpn_cred_"+name+"_*")
	if err != nil {
		return "", err
	}
	_, writeErr := fmt.Fprintf(f, "%s\n%s\n", creds.Username, creds.Password)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(f.Name())
		if writeErr != nil {
			return "", writeErr
		}
		return "", closeErr
	}
	return f.Name(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
