// Package session owns the session table: it spawns one PTY process per
// session id, runs its output through the query interceptor, buffer,
// adapter and state machine, and publishes the results on a Hub.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/statedb"
	"github.com/asheshgoplani/termdeck/internal/termbuf"
	"github.com/asheshgoplani/termdeck/internal/termquery"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

var sessionLog = logging.ForComponent(logging.CompSession)

var (
	// ErrSessionNotFound is returned for ids with no live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSpawnFailed wraps process start failures.
	ErrSpawnFailed = errors.New("spawn failed")
)

// Timing defaults. All are overridable through Config.
const (
	DefaultStartupTimeout         = 30 * time.Second
	DefaultFastExitWindow         = 1500 * time.Millisecond
	DefaultExitGrace              = 250 * time.Millisecond
	DefaultWatchdogInterval       = 200 * time.Millisecond
	DefaultStatusWatchTimeout     = 10 * time.Second
	DefaultSessionIDDetectEvery   = 2 * time.Second
	DefaultSessionIDDetectTimeout = 60 * time.Second
)

// Config tunes a Manager.
type Config struct {
	BufferBytes            int
	StartupTimeout         time.Duration
	FastExitWindow         time.Duration
	ExitGrace              time.Duration
	WatchdogInterval       time.Duration
	StatusWatchTimeout     time.Duration
	SessionIDDetectEvery   time.Duration
	SessionIDDetectTimeout time.Duration
	IdleCheckInterval      time.Duration
	DefaultIdleTimeout     time.Duration
	Policy                 termstate.Policy
	DefaultMode            adapter.Mode

	// ControlPort and ControlURL are exported to children so they can
	// reach the command surface.
	ControlPort int
	ControlURL  string
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		BufferBytes:            termbuf.DefaultCapacity,
		StartupTimeout:         DefaultStartupTimeout,
		FastExitWindow:         DefaultFastExitWindow,
		ExitGrace:              DefaultExitGrace,
		WatchdogInterval:       DefaultWatchdogInterval,
		StatusWatchTimeout:     DefaultStatusWatchTimeout,
		SessionIDDetectEvery:   DefaultSessionIDDetectEvery,
		SessionIDDetectTimeout: DefaultSessionIDDetectTimeout,
		IdleCheckInterval:      termstate.DefaultIdleCheckInterval,
		DefaultIdleTimeout:     adapter.DefaultIdleTimeout,
		Policy:                 termstate.DefaultPolicy(),
		DefaultMode:            adapter.ModeClaude,
	}
}

// ConversationStore persists detected conversation ids.
type ConversationStore interface {
	SaveConversation(row statedb.ConversationRow) error
	DeleteConversation(sessionID string) error
}

// TransitionObserver is told about stable transitions and exits. Calls
// happen with the session's state machine locked and must not block.
type TransitionObserver interface {
	OnTransition(sessionID string, next, prev termstate.State)
	OnExit(sessionID string)
}

// Deps are the Manager's optional collaborators.
type Deps struct {
	Store    ConversationStore
	Observer TransitionObserver
	Theme    termquery.Theme
}

// CreateRequest is the create() command.
type CreateRequest struct {
	SessionID              string       `json:"sessionId"`
	Cwd                    string       `json:"cwd"`
	ConversationID         string       `json:"conversationId,omitempty"`
	ExistingConversationID string       `json:"existingConversationId,omitempty"`
	Mode                   adapter.Mode `json:"mode,omitempty"`
	InitialPrompt          string       `json:"initialPrompt,omitempty"`
	CodeMode               bool         `json:"codeMode,omitempty"`
	ExtraArgs              []string     `json:"extraArgs,omitempty"`
	Cols                   int          `json:"cols,omitempty"`
	Rows                   int          `json:"rows,omitempty"`
}

// Manager is the session orchestrator.
type Manager struct {
	cfg  Config
	deps Deps
	hub  *Hub
	idle *termstate.IdleChecker

	regMu    sync.RWMutex
	registry *adapter.Registry

	themeMu sync.RWMutex
	theme   termquery.Theme

	createMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager builds a manager. Call Start to run the idle checker.
func NewManager(cfg Config, registry *adapter.Registry, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = def.BufferBytes
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.StatusWatchTimeout <= 0 {
		cfg.StatusWatchTimeout = def.StatusWatchTimeout
	}
	if cfg.SessionIDDetectEvery <= 0 {
		cfg.SessionIDDetectEvery = def.SessionIDDetectEvery
	}
	if cfg.SessionIDDetectTimeout <= 0 {
		cfg.SessionIDDetectTimeout = def.SessionIDDetectTimeout
	}
	if cfg.Policy.Edges == nil {
		cfg.Policy = def.Policy
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = def.DefaultMode
	}
	if registry == nil {
		registry = adapter.NewRegistry(adapter.Options{})
	}
	theme := deps.Theme.Merge(termquery.DarkTheme)

	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		hub:      NewHub(),
		registry: registry,
		theme:    theme,
		sessions: make(map[string]*Session),
	}
	m.idle = termstate.NewIdleChecker(m, cfg.IdleCheckInterval)
	return m
}

// Start runs the idle checker.
func (m *Manager) Start() {
	m.idle.Start()
}

// Close kills every session and stops the idle checker. The hub is closed
// last so subscribers see the final transitions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.idle.Stop()
	for _, id := range ids {
		m.Kill(id)
	}
	m.hub.Close()
}

// Events returns the outbound event hub.
func (m *Manager) Events() *Hub { return m.hub }

// SetRegistry swaps the adapters used by later creates, e.g. after a
// config reload. Live sessions keep their adapter.
func (m *Manager) SetRegistry(r *adapter.Registry) {
	m.regMu.Lock()
	m.registry = r
	m.regMu.Unlock()
}

func (m *Manager) adapterFor(mode adapter.Mode) (adapter.Adapter, error) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return m.registry.Get(mode)
}

// Modes lists the registered modes.
func (m *Manager) Modes() []adapter.Mode {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return m.registry.Modes()
}

// SetTheme caches colors for color-query replies. Empty fields keep their
// current value.
func (m *Manager) SetTheme(t termquery.Theme) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.themeMu.Lock()
	m.theme = t.Merge(m.theme)
	m.themeMu.Unlock()
	return nil
}

// Theme returns the cached theme.
func (m *Manager) Theme() termquery.Theme {
	m.themeMu.RLock()
	defer m.themeMu.RUnlock()
	return m.theme
}

// Create starts a session. A live session with the same id is killed first,
// so exactly one process exists for the id afterwards.
func (m *Manager) Create(ctx context.Context, req CreateRequest) error {
	if req.SessionID == "" {
		return errors.New("session id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errors.New("manager closed")
	}

	if m.Kill(req.SessionID) {
		sessionLog.Info("session_replaced", slog.String("session_id", req.SessionID))
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd, _ = os.UserHomeDir()
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: working directory %q is not a directory", ErrSpawnFailed, cwd)
	}

	mode := req.Mode
	if mode == "" {
		mode = m.cfg.DefaultMode
	}
	ad, err := m.adapterFor(mode)
	if err != nil {
		return err
	}
	recipe, err := ad.BuildLaunchRecipe(adapter.LaunchOptions{
		Cwd:                    cwd,
		ConversationID:         req.ConversationID,
		ExistingConversationID: req.ExistingConversationID,
		InitialPrompt:          req.InitialPrompt,
		ExtraArgs:              req.ExtraArgs,
		CodeMode:               req.CodeMode,
	})
	if err != nil {
		return fmt.Errorf("build launch recipe: %w", err)
	}

	cols, rows := uint16(DefaultCols), uint16(DefaultRows)
	if req.Cols > 0 {
		cols = clampDimension(req.Cols)
	}
	if req.Rows > 0 {
		rows = clampDimension(req.Rows)
	}

	s := &Session{
		ID:      req.SessionID,
		TaskID:  TaskIDFromSessionID(req.SessionID),
		Mode:    mode,
		Cwd:     cwd,
		Created: time.Now(),
		adapter: ad,
		recipe:  recipe,
		buffer:  termbuf.New(m.cfg.BufferBytes),
		cols:    cols,
		rows:    rows,
		devURLs: make(map[string]bool),
	}
	s.machine = termstate.NewMachine(s.ID, m.cfg.Policy, func(id string, next, prev termstate.State) {
		if next == termstate.StateRunning {
			s.resetDetections()
		}
		m.onStateChange(id, next, prev)
	})

	env := mergeEnv(os.Environ(), recipe.Env, sessionEnv(s.ID, m.cfg.ControlPort, m.cfg.ControlURL))
	proc, err := spawn(recipe.Shell, recipe.Args, cwd, env, cols, rows)
	if err != nil {
		// Some shells refuse the interactive login combination outright.
		args, hadLogin := withoutLoginFlag(recipe.Args, adapter.LoginFlag)
		if !hadLogin {
			sessionLog.Error("spawn_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		sessionLog.Warn("spawn_retry_without_login", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		proc, err = spawn(recipe.Shell, args, cwd, env, cols, rows)
		if err != nil {
			sessionLog.Error("spawn_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		s.retried = true
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if !m.attach(s, proc) {
		proc.kill()
		return fmt.Errorf("%w: %s removed during create", ErrSessionNotFound, s.ID)
	}

	if recipe.ConversationID != "" {
		m.setConversationID(s, recipe.ConversationID, "launch")
	} else if _, ok := ad.(adapter.SessionIDDiscoverer); ok {
		m.startIDDetect(s, proc.started)
	}

	sessionLog.Info("session_created",
		slog.String("session_id", s.ID),
		slog.String("mode", string(mode)),
		slog.String("cwd", cwd),
		slog.Int("pid", proc.pid()))
	return nil
}

// attach makes proc the session's live process and starts its reader,
// exit waiter, startup timeout and early-exit watchdog.
func (m *Manager) attach(s *Session, proc *process) bool {
	m.mu.Lock()
	if m.sessions[s.ID] != s {
		m.mu.Unlock()
		return false
	}
	s.mu.Lock()
	s.proc = proc
	s.gotOutput = false
	s.postSpawnSent = false
	s.escapeTail = ""
	s.startupTimer = time.AfterFunc(m.cfg.StartupTimeout, func() { m.onStartupTimeout(s, proc) })
	s.watchdogStop = make(chan struct{})
	s.watchdogStopped = false
	stop := s.watchdogStop
	s.mu.Unlock()
	m.mu.Unlock()

	go proc.readLoop(func(data string) { m.handleChunk(s, proc, data) })
	go func() {
		<-proc.done
		m.onProcessExit(s, proc)
	}()
	go m.watchdog(s, proc, stop)
	return true
}

// watchdog polls liveness until the session produces output, covering a
// child that dies before the reader observes anything.
func (m *Manager) watchdog(s *Session, proc *process, stop <-chan struct{}) {
	t := time.NewTicker(m.cfg.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if proc.exited() {
				m.onProcessExit(s, proc)
				return
			}
		}
	}
}

func (m *Manager) onStartupTimeout(s *Session, proc *process) {
	if !m.owns(s, proc) {
		return
	}
	s.mu.Lock()
	if s.gotOutput {
		s.mu.Unlock()
		return
	}
	s.timedOut = true
	s.mu.Unlock()

	sessionLog.Warn("startup_timeout",
		slog.String("session_id", s.ID),
		slog.Duration("timeout", m.cfg.StartupTimeout))
	proc.kill()
}

// onProcessExit runs once per process. A fast silent exit of a login-shell
// launch is retried once without the login flag; anything else is
// finalized after the exit grace so trailing output drains.
func (m *Manager) onProcessExit(s *Session, proc *process) {
	first := false
	proc.exitOnce.Do(func() { first = true })
	if !first || !m.owns(s, proc) {
		return
	}

	s.mu.Lock()
	silent := !s.gotOutput
	retryable := !s.retried && !s.timedOut
	s.stopWatchdogLocked()
	if s.startupTimer != nil {
		s.startupTimer.Stop()
		s.startupTimer = nil
	}
	s.mu.Unlock()

	if silent && retryable && time.Since(proc.started) < m.cfg.FastExitWindow {
		if args, ok := withoutLoginFlag(proc.args, adapter.LoginFlag); ok {
			m.retryWithoutLogin(s, proc, args)
			return
		}
	}

	s.mu.Lock()
	s.exitTimer = time.AfterFunc(m.cfg.ExitGrace, func() { m.finalize(s, proc) })
	s.mu.Unlock()
}

func (m *Manager) retryWithoutLogin(s *Session, old *process, args []string) {
	sessionLog.Warn("fast_exit_retry",
		slog.String("session_id", s.ID),
		slog.Duration("lived", time.Since(old.started)),
		slog.Int("exit_code", old.code()))
	old.close()

	s.mu.Lock()
	s.retried = true
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	env := mergeEnv(os.Environ(), s.recipe.Env, sessionEnv(s.ID, m.cfg.ControlPort, m.cfg.ControlURL))
	proc, err := spawn(s.recipe.Shell, args, s.Cwd, env, cols, rows)
	if err != nil {
		sessionLog.Error("fast_exit_retry_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		m.finalize(s, old)
		return
	}
	if !m.owns(s, old) || !m.attach(s, proc) {
		proc.kill()
	}
}

// finalize removes an exited session and reports the exit.
func (m *Manager) finalize(s *Session, proc *process) {
	m.mu.Lock()
	if m.sessions[s.ID] != s || s.currentProc() != proc {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	s.mu.Lock()
	s.stopTimersLocked()
	s.mu.Unlock()
	s.machine.Force(termstate.StateDead)
	s.machine.Stop()
	proc.close()

	code := proc.code()
	sessionLog.Info("session_exited", slog.String("session_id", s.ID), slog.Int("exit_code", code))
	m.hub.Publish(Event{Type: EventExit, SessionID: s.ID, ExitCode: &code})
	if m.deps.Observer != nil {
		m.deps.Observer.OnExit(s.ID)
	}
}

// Kill removes the session from the table, cancels its timers and then
// SIGKILLs its process group. Output arriving after removal is dropped.
func (m *Manager) Kill(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.stopTimersLocked()
	proc := s.proc
	s.mu.Unlock()

	s.machine.Force(termstate.StateDead)
	s.machine.Stop()
	if proc != nil {
		proc.kill()
	}
	if m.deps.Observer != nil {
		m.deps.Observer.OnExit(id)
	}
	sessionLog.Info("session_killed", slog.String("session_id", id))
	return true
}

// owns reports whether proc is still the live process of the registered s.
func (m *Manager) owns(s *Session, proc *process) bool {
	m.mu.Lock()
	cur := m.sessions[s.ID]
	m.mu.Unlock()
	return cur == s && s.currentProc() == proc
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Write forwards input to the process. Submitted lines may arm the
// status watch or, for transition-on-input adapters, mark the session
// running.
func (m *Manager) Write(id, data string) bool {
	s := m.get(id)
	if s == nil {
		return false
	}
	proc := s.currentProc()
	if proc == nil || proc.exited() {
		return false
	}

	caps := s.adapter.Capabilities()
	for _, line := range s.acceptInput(adapter.StripANSI(data)) {
		m.onLineSubmitted(s, caps, line)
	}

	if err := proc.write([]byte(data)); err != nil {
		sessionLog.Debug("write_failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (m *Manager) onLineSubmitted(s *Session, caps adapter.Capabilities, line string) {
	trimmed := trimLine(line)
	if caps.SessionIDCommand != "" && trimmed == caps.SessionIDCommand {
		m.armStatusWatch(s)
	}
	if caps.TransitionOnInput && trimmed != "" && s.machine.State() != termstate.StateRunning {
		s.mu.Lock()
		s.lastOutput = time.Now()
		s.mu.Unlock()
		s.machine.Force(termstate.StateRunning)
	}
}

// Resize applies a clamped window size. Failure is reported, not fatal.
func (m *Manager) Resize(id string, cols, rows int) bool {
	s := m.get(id)
	if s == nil {
		return false
	}
	c, r := clampDimension(cols), clampDimension(rows)
	s.mu.Lock()
	proc := s.proc
	s.cols, s.rows = c, r
	s.mu.Unlock()
	if proc == nil {
		return false
	}
	if err := proc.resize(c, r); err != nil {
		sessionLog.Debug("resize_failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

// Exists reports whether id has a live session.
func (m *Manager) Exists(id string) bool {
	return m.get(id) != nil
}

// GetBuffer returns the retained output for reconnect replay.
func (m *Manager) GetBuffer(id string) (string, bool) {
	s := m.get(id)
	if s == nil {
		return "", false
	}
	return s.buffer.String(), true
}

// GetBufferSince returns the chunks after seq and the current seq.
func (m *Manager) GetBufferSince(id string, after uint64) ([]termbuf.Chunk, uint64, bool) {
	s := m.get(id)
	if s == nil {
		return nil, 0, false
	}
	chunks, cur := s.buffer.ChunksSince(after)
	return chunks, cur, true
}

// ClearBuffer drops retained output and returns the seq at clear time.
func (m *Manager) ClearBuffer(id string) (uint64, bool) {
	s := m.get(id)
	if s == nil {
		return 0, false
	}
	return s.buffer.Clear(), true
}

// List returns every live session sorted by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetState returns the session's stable state.
func (m *Manager) GetState(id string) (termstate.State, bool) {
	s := m.get(id)
	if s == nil {
		return "", false
	}
	return s.machine.State(), true
}

// Session returns the live session for id.
func (m *Manager) Session(id string) (*Session, error) {
	s := m.get(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Validate runs the adapter's advisory preflight checks.
func (m *Manager) Validate(mode adapter.Mode) ([]adapter.ValidationCheck, error) {
	ad, err := m.adapterFor(mode)
	if err != nil {
		return nil, err
	}
	return ad.Validate(), nil
}

// IdleCandidates implements termstate.IdleSource.
func (m *Manager) IdleCandidates() []termstate.IdleCandidate {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]termstate.IdleCandidate, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		last := s.lastOutput
		s.mu.Unlock()
		if last.IsZero() {
			last = s.Created
		}
		out = append(out, termstate.IdleCandidate{
			ID:          s.ID,
			State:       s.machine.State(),
			LastOutput:  last,
			IdleTimeout: adapter.EffectiveIdleTimeout(s.adapter, m.cfg.DefaultIdleTimeout),
		})
	}
	return out
}

// ForceAttention implements termstate.IdleSource.
func (m *Manager) ForceAttention(id string) {
	if s := m.get(id); s != nil {
		s.machine.Force(termstate.StateAttention)
	}
}

// SweepIdle runs one idle pass immediately.
func (m *Manager) SweepIdle() []string {
	return m.idle.Sweep(time.Now())
}

// onStateChange runs under the machine lock for every stable transition.
func (m *Manager) onStateChange(id string, next, prev termstate.State) {
	sessionLog.Debug("state_change",
		slog.String("session_id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(next)))
	m.hub.Publish(Event{Type: EventStateChange, SessionID: id, State: next, PrevState: prev})
	if next == termstate.StateAttention {
		m.hub.Publish(Event{Type: EventAttention, SessionID: id})
	}
	if m.deps.Observer != nil {
		m.deps.Observer.OnTransition(id, next, prev)
	}
}
