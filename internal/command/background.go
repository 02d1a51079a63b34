package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"otto/internal/logging"
)

// ProcessStatus is the lifecycle state of a background process.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// serverCommandPatterns matches commands that start long-lived dev servers.
// These run through LaunchBackground instead of blocking a foreground slot.
var serverCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(npm|yarn|pnpm|bun)\s+(run\s+)?(dev|start|serve|preview)\b`),
	regexp.MustCompile(`(?i)^\s*(python3?\s+-m\s+)?flask\s+run\b`),
	regexp.MustCompile(`(?i)^\s*(bundle\s+exec\s+)?rails\s+s(erver)?\b`),
	regexp.MustCompile(`(?i)^\s*node\s+\S*(server|index|app|main)\.[mc]?js\b`),
	regexp.MustCompile(`(?i)^\s*(npx\s+)?(vite|next|nuxt|astro|webpack-dev-server|parcel)\b`),
	regexp.MustCompile(`(?i)^\s*python3?\s+-m\s+http\.server\b`),
	regexp.MustCompile(`(?i)^\s*(uvicorn|gunicorn|hypercorn)\b`),
	regexp.MustCompile(`(?i)^\s*(go\s+run\s+)\S+.*\s+(serve|server)\b`),
	regexp.MustCompile(`(?i)^\s*php\s+-S\b`),
	regexp.MustCompile(`(?i)^\s*docker\s+(compose\s+up|run\b.*-p\s+\d+)`),
}

// IsServerCommand reports whether a command looks like a long-lived server
// that should be launched in the background.
func IsServerCommand(command string) bool {
	for _, p := range serverCommandPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// portPatterns extract the listening port from startup output. Ordered by
// specificity; the first capture wins.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)listening\s+(?:on|at)\s+\S*?:(\d{2,5})`),
	regexp.MustCompile(`(?i)(?:running|server|available|ready)\s+(?:on|at)\s+\S*?:(\d{2,5})`),
	regexp.MustCompile(`(?i)https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d{2,5})`),
	regexp.MustCompile(`(?i)\bport\s+(\d{2,5})\b`),
}

// detectPort scans one output line for a listening-port announcement.
func detectPort(line string) (string, bool) {
	for _, p := range portPatterns {
		if m := p.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// outputRing keeps the most recent output lines of a background process.
type outputRing struct {
	mu      sync.RWMutex
	lines   []string
	max     int
	current int
	full    bool
	total   int
}

func newOutputRing(max int) *outputRing {
	return &outputRing{lines: make([]string, max), max: max}
}

func (r *outputRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.current] = line
	r.current = (r.current + 1) % r.max
	if r.current == 0 {
		r.full = true
	}
	r.total++
}

// recent returns up to n most recent lines, oldest first.
func (r *outputRing) recent(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full && r.current <= n {
		return append([]string{}, r.lines[:r.current]...)
	}
	if n > r.max {
		n = r.max
	}
	var out []string
	start := r.current - n
	if start < 0 {
		start += r.max
		out = append(out, r.lines[start:]...)
		out = append(out, r.lines[:r.current]...)
	} else {
		out = append(out, r.lines[start:r.current]...)
	}
	return out
}

func (r *outputRing) lineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Process is a command running detached from the task that launched it. It
// outlives the task; only an explicit Kill or process exit ends it.
type Process struct {
	ID        string
	Command   string
	Dir       string
	StartedAt time.Time

	mu       sync.RWMutex
	status   ProcessStatus
	exitCode int
	port     string

	cmd  *exec.Cmd
	ring *outputRing
	done chan struct{}
}

// Status returns the current lifecycle state.
func (p *Process) Status() ProcessStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// ExitCode returns the exit code once the process reached a terminal state.
func (p *Process) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

// Port returns the listening port detected during the readiness window, or
// empty if none was announced.
func (p *Process) Port() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.port
}

// RecentOutput returns up to n most recent output lines.
func (p *Process) RecentOutput(n int) []string {
	return p.ring.recent(n)
}

// OutputLines returns the total number of lines the process has produced.
func (p *Process) OutputLines() int {
	return p.ring.lineCount()
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) setStatus(status ProcessStatus, exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != ProcessRunning {
		return
	}
	p.status = status
	p.exitCode = exitCode
}

func (p *Process) setPort(port string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == "" {
		p.port = port
	}
}

// LaunchResult reports what LaunchBackground observed during the readiness
// window.
type LaunchResult struct {
	Process *Process
	// Ready is true when the process announced a listening port within the
	// readiness window.
	Ready bool
	Port  string
	// Early lines captured during the window, for diagnostics.
	StartupOutput []string
}

// Registry tracks background processes for the lifetime of the engine.
// Terminal processes stay listed until the caller reaps them; nothing is
// removed automatically.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*Process
	logger    logging.Logger

	readinessWindow time.Duration
	state           *StateFile
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithReadinessWindow overrides how long LaunchBackground watches startup
// output for a listening-port announcement.
func WithReadinessWindow(d time.Duration) RegistryOption {
	return func(r *Registry) { r.readinessWindow = d }
}

// WithStateFile persists process records so `ps` and `kill` work from later
// CLI invocations.
func WithStateFile(s *StateFile) RegistryOption {
	return func(r *Registry) { r.state = s }
}

// NewRegistry creates a Registry.
func NewRegistry(logger logging.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		processes:       make(map[string]*Process),
		logger:          logging.OrNop(logger),
		readinessWindow: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LaunchBackground starts a command detached from the caller. It blocks only
// for the readiness window, scanning startup output for a listening port,
// then returns while the process keeps running.
func (r *Registry) LaunchBackground(ctx context.Context, command, dir string) (*LaunchResult, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := shellCommand(command)
	if dir != "" {
		cmd.Dir = dir
	}
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start background command: %w", err)
	}

	proc := &Process{
		ID:        uuid.NewString(),
		Command:   command,
		Dir:       dir,
		StartedAt: time.Now(),
		status:    ProcessRunning,
		cmd:       cmd,
		ring:      newOutputRing(200),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.processes[proc.ID] = proc
	r.mu.Unlock()
	r.persist(proc)
	r.logger.Info("launched background process %s: %s", proc.ID, command)

	portCh := make(chan string, 1)
	go r.collectOutput(proc, stdout, portCh)
	go r.collectOutput(proc, stderr, portCh)

	go func() {
		err := cmd.Wait()
		switch {
		case proc.Status() == ProcessKilled:
			// Kill already set the terminal state.
		case err != nil:
			proc.setStatus(ProcessFailed, exitCode(cmd, err))
			r.logger.Warn("background process %s exited with error: %v", proc.ID, err)
		default:
			proc.setStatus(ProcessCompleted, 0)
		}
		close(proc.done)
		r.persist(proc)
	}()

	result := &LaunchResult{Process: proc}
	select {
	case port := <-portCh:
		proc.setPort(port)
		result.Ready = true
		result.Port = port
		r.persist(proc)
		r.logger.Info("background process %s listening on port %s", proc.ID, port)
	case <-proc.done:
		// Died before the window elapsed; the caller inspects status.
	case <-time.After(r.readinessWindow):
	case <-ctx.Done():
	}
	result.StartupOutput = proc.ring.recent(20)
	return result, nil
}

// collectOutput drains one stream into the process ring, watching for a
// listening-port announcement.
func (r *Registry) collectOutput(proc *Process, reader io.Reader, portCh chan<- string) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		proc.ring.add(line)
		if port, ok := detectPort(line); ok {
			select {
			case portCh <- port:
			default:
			}
			proc.setPort(port)
		}
	}
}

// Get returns a tracked process by id.
func (r *Registry) Get(id string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[id]
	return p, ok
}

// List returns all tracked processes, running first, then by start time.
func (r *Registry) List() []*Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return processLess(out[i], out[j]) })
	return out
}

func processLess(a, b *Process) bool {
	ar, br := a.Status() == ProcessRunning, b.Status() == ProcessRunning
	if ar != br {
		return ar
	}
	return a.StartedAt.Before(b.StartedAt)
}

// Kill terminates a background process, escalating SIGTERM to SIGKILL after
// the grace period.
func (r *Registry) Kill(id string, grace time.Duration) error {
	proc, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("process %s not found", id)
	}
	if proc.Status() != ProcessRunning {
		return fmt.Errorf("process %s is not running", id)
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}

	proc.setStatus(ProcessKilled, -1)
	signalGroup(proc.cmd, false)
	select {
	case <-proc.done:
	case <-time.After(grace):
		signalGroup(proc.cmd, true)
		<-proc.done
	}
	r.persist(proc)
	r.logger.Info("killed background process %s", id)
	return nil
}

// persist mirrors a process into the state file, if one is configured.
func (r *Registry) persist(proc *Process) {
	if r.state == nil {
		return
	}
	pid := 0
	if proc.cmd.Process != nil {
		pid = proc.cmd.Process.Pid
	}
	rec := ProcessRecord{
		ID:        proc.ID,
		PID:       pid,
		Command:   proc.Command,
		Port:      proc.Port(),
		Status:    proc.Status(),
		StartedAt: proc.StartedAt,
	}
	if err := r.state.Put(rec); err != nil {
		r.logger.Warn("persist process %s: %v", proc.ID, err)
	}
}

// KillAll terminates every running background process. Used on engine
// shutdown. Returns the first error encountered.
func (r *Registry) KillAll(grace time.Duration) error {
	var firstErr error
	for _, p := range r.List() {
		if p.Status() != ProcessRunning {
			continue
		}
		if err := r.Kill(p.ID, grace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close kills every running process.
func (r *Registry) Close() error {
	return r.KillAll(5 * time.Second)
}

// Reap drops a terminal process from the registry and the state file. A
// running process cannot be reaped; kill it first.
func (r *Registry) Reap(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[id]
	if !ok {
		return fmt.Errorf("process %s not found", id)
	}
	if p.Status() == ProcessRunning {
		return fmt.Errorf("process %s is still running", id)
	}
	delete(r.processes, id)
	if r.state != nil {
		_ = r.state.Remove(id)
	}
	return nil
}

// FormatProcessLine renders one registry entry for status listings.
func FormatProcessLine(p *Process) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-9s  %s", p.ID[:8], p.Status(), p.Command)
	if port := p.Port(); port != "" {
		fmt.Fprintf(&b, "  (port %s)", port)
	}
	fmt.Fprintf(&b, "  up %s", time.Since(p.StartedAt).Truncate(time.Second))
	return b.String()
}
