// Package preview serves or launches the artifacts produced by runs and
// retires idle preview sessions.
package preview

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/credentials"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/process"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/sandbox"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/portutil"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// Status is the state of a preview session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

var (
	ErrSessionNotFound = errors.New("preview session not found")
	ErrUnpreviewable   = errors.New("artifact cannot be previewed")
)

// Store is the part of the run repository previews need.
type Store interface {
	GetRunByKey(ctx context.Context, taskID, modelID string) (*models.Run, error)
	UpdatePreviewability(ctx context.Context, id string, p models.Previewability, command string) error
}

// Info is the externally visible state of a session.
type Info struct {
	TaskID        string    `json:"task_id"`
	ModelID       string    `json:"model_id"`
	Kind          string    `json:"kind"`
	Status        Status    `json:"status"`
	Port          int       `json:"port,omitempty"`
	URL           string    `json:"url"`
	Entry         string    `json:"entry,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type session struct {
	taskID  string
	modelID string
	kind    Kind
	dir     string
	entry   string
	command string
	port    int

	status        Status
	errMsg        string
	createdAt     time.Time
	lastHeartbeat time.Time

	handle   *sandbox.Handle
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Options configures the Manager.
type Options struct {
	HeartbeatTimeout time.Duration
	StartingGrace    time.Duration
	ReapInterval     time.Duration
	ProbeInterval    time.Duration
	ProbeAttempts    int
	// SettleProbes is how many weak answers in a row count as ready.
	SettleProbes int
	Grace        time.Duration
	// PublicHost is used in dynamic session URLs.
	PublicHost string
	ExtraEnv   map[string]string
	Now        func() time.Time
}

// OptionsFromConfig derives manager options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HeartbeatTimeout: time.Duration(cfg.Preview.HeartbeatTimeoutSeconds) * time.Second,
		StartingGrace:    time.Duration(cfg.Preview.StartingGraceMinutes) * time.Minute,
		ProbeInterval:    time.Duration(cfg.Preview.ProbeIntervalMs) * time.Millisecond,
		ProbeAttempts:    cfg.Preview.ProbeAttempts,
		Grace:            cfg.Watchdog.TerminateGrace(),
	}
}

func (o *Options) applyDefaults() {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * time.Second
	}
	if o.StartingGrace <= 0 {
		o.StartingGrace = 10 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = time.Second
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 60
	}
	if o.SettleProbes <= 0 {
		o.SettleProbes = 3
	}
	if o.Grace <= 0 {
		o.Grace = process.DefaultGrace
	}
	if o.PublicHost == "" {
		o.PublicHost = "127.0.0.1"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager owns the preview session table.
type Manager struct {
	store    Store
	launcher Launcher
	scripts  ScriptGenerator
	ports    *portutil.RangeAllocator
	runDir   func(taskID, modelID string) string
	logger   *logger.Logger
	opts     Options

	probe    Prober
	killPort func(ctx context.Context, port int) (int, error)

	starts   singleflight.Group
	sessions map[string]*session
	mu       sync.Mutex

	reaping bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a preview manager. runDir maps a (task, model) to its artifact root.
func NewManager(store Store, launcher Launcher, scripts ScriptGenerator, ports *portutil.RangeAllocator, runDir func(taskID, modelID string) string, log *logger.Logger, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		store:    store,
		launcher: launcher,
		scripts:  scripts,
		ports:    ports,
		runDir:   runDir,
		logger:   log.Component("preview-manager"),
		opts:     opts,
		probe:    HTTPProber(nil),
		killPort: process.KillByPort,
		sessions: make(map[string]*session),
	}
}

// StartReaper begins retiring sessions on a fixed ticker.
func (m *Manager) StartReaper(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reaping {
		return
	}
	m.reaping = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.Reap(ctx)
			}
		}
	}(m.stopCh)
}

// Shutdown stops the reaper and tears down every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.reaping {
		m.reaping = false
		close(m.stopCh)
	}
	all := make([]*session, 0, len(m.sessions))
	for key, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			m.teardown(ctx, s)
		}(s)
	}
	wg.Wait()
	m.wg.Wait()
	if len(all) > 0 {
		m.logger.Info("preview sessions torn down", zap.Int("count", len(all)))
	}
}

// Start opens a preview for the run of (taskID, modelID). An existing live
// session is returned as is and counts as a heartbeat.
func (m *Manager) Start(ctx context.Context, taskID, modelID string) (Info, error) {
	key := models.RunKey(taskID, modelID)

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok && s.status != StatusError {
		s.lastHeartbeat = m.opts.Now()
		info := m.info(s)
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	v, err, _ := m.starts.Do(key, func() (interface{}, error) {
		// a failed session is replaced
		m.remove(ctx, key, StatusError)
		return m.start(context.WithoutCancel(ctx), taskID, modelID)
	})
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

func (m *Manager) start(ctx context.Context, taskID, modelID string) (Info, error) {
	key := models.RunKey(taskID, modelID)
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		info := m.info(s)
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	c, err := m.resolve(ctx, taskID, modelID)
	if err != nil {
		return Info{}, err
	}
	dir := m.runDir(taskID, modelID)
	now := m.opts.Now()

	if c.Kind == KindStatic {
		s := &session{
			taskID:        taskID,
			modelID:       modelID,
			kind:          KindStatic,
			dir:           dir,
			entry:         c.Entry,
			status:        StatusReady,
			createdAt:     now,
			lastHeartbeat: now,
		}
		return m.insert(key, s), nil
	}
	return m.startDynamic(ctx, key, taskID, modelID, dir, c.Command)
}

// resolve returns the cached classification of a run, classifying and
// generating a run script on first use.
func (m *Manager) resolve(ctx context.Context, taskID, modelID string) (Classification, error) {
	run, err := m.store.GetRunByKey(ctx, taskID, modelID)
	if err != nil {
		return Classification{}, err
	}
	dir := m.runDir(taskID, modelID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Classification{}, fmt.Errorf("%w: no artifact directory for %s", ErrUnpreviewable, run.Key())
	}

	switch run.Previewability {
	case models.PreviewUnpreviewable:
		return Classification{}, ErrUnpreviewable
	case models.PreviewDynamic:
		if run.PreviewCommand != "" {
			return Classification{Kind: KindDynamic, Command: run.PreviewCommand}, nil
		}
	case models.PreviewStatic:
		if c := Classify(dir); c.Kind == KindStatic {
			return c, nil
		}
	}

	c := Classify(dir)
	log := m.logger.ForRun(taskID, modelID, "")
	log.Info("artifact classified", zap.String("kind", c.Kind.String()), zap.String("marker", c.Marker))

	switch c.Kind {
	case KindStatic:
		m.persist(ctx, run.ID, models.PreviewStatic, "")
		return c, nil
	case KindDynamic:
		m.persist(ctx, run.ID, models.PreviewPreparing, "")
		command, err := m.scripts.Generate(ctx, ScriptRequest{TaskID: taskID, ModelID: modelID, Dir: dir, Hint: c})
		if err != nil {
			// retried on the next start
			m.persist(ctx, run.ID, models.PreviewUnknown, "")
			return Classification{}, fmt.Errorf("generate run script: %w", err)
		}
		if command == "" {
			m.persist(ctx, run.ID, models.PreviewUnpreviewable, "")
			return Classification{}, fmt.Errorf("%w: no run script produced", ErrUnpreviewable)
		}
		m.persist(ctx, run.ID, models.PreviewDynamic, command)
		return Classification{Kind: KindDynamic, Command: command, Marker: c.Marker}, nil
	default:
		m.persist(ctx, run.ID, models.PreviewUnpreviewable, "")
		return Classification{}, ErrUnpreviewable
	}
}

func (m *Manager) persist(ctx context.Context, runID string, p models.Previewability, command string) {
	if err := m.store.UpdatePreviewability(ctx, runID, p, command); err != nil {
		m.logger.Warn("failed to persist previewability", zap.String("run_id", runID), zap.Error(err))
	}
}

func (m *Manager) startDynamic(ctx context.Context, key, taskID, modelID, dir, command string) (Info, error) {
	port, err := m.ports.Allocate()
	if err != nil {
		return Info{}, err
	}
	cmdline, portEnv := portutil.SubstitutePort(command, port)
	portEnv["HOST"] = "127.0.0.1"
	for k, v := range m.opts.ExtraEnv {
		if _, taken := portEnv[k]; !taken {
			portEnv[k] = v
		}
	}

	var readOnly []string
	if script := ScriptPath(dir); isFile(script) {
		readOnly = append(readOnly, script)
	}
	handle, err := m.launcher.Launch(ctx, sandbox.Spec{
		Name:     "preview-" + taskID + "-" + modelID,
		Command:  "sh",
		Args:     []string{"-c", cmdline},
		Dir:      dir,
		ReadOnly: readOnly,
		Env:      credentials.WhitelistEnv(portEnv),
		Labels:   map[string]string{"runpool.task": taskID, "runpool.model": modelID, "runpool.role": "preview"},
	})
	if err != nil {
		m.ports.Release(port)
		return Info{}, fmt.Errorf("launch preview server: %w", err)
	}

	now := m.opts.Now()
	probeCtx, cancel := context.WithCancel(ctx)
	s := &session{
		taskID:        taskID,
		modelID:       modelID,
		kind:          KindDynamic,
		dir:           dir,
		command:       cmdline,
		port:          port,
		status:        StatusStarting,
		createdAt:     now,
		lastHeartbeat: now,
		handle:        handle,
		cancel:        cancel,
	}
	info := m.insert(key, s)

	log := m.logger.ForRun(taskID, modelID, "")
	log.Info("preview server launched", zap.Int("port", port), zap.String("mode", string(handle.Mode)))

	m.wg.Add(3)
	go m.pump(handle.Stdout(), log)
	go m.pump(handle.Stderr(), log)
	go m.supervise(probeCtx, key, s)
	return info, nil
}

func (m *Manager) pump(r io.Reader, log *logger.Logger) {
	defer m.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug("preview output", zap.String("line", scanner.Text()))
	}
	// keep the pipe drained even past an overlong line
	_, _ = io.Copy(io.Discard, r)
}

// supervise probes the server until it is ready, then watches for its exit.
func (m *Manager) supervise(ctx context.Context, key string, s *session) {
	defer m.wg.Done()

	r := readiness{settleProbes: m.opts.SettleProbes}
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	ready := false
	for attempt := 0; attempt < m.opts.ProbeAttempts && !ready; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-s.handle.Done():
			m.fail(ctx, key, s, "preview server exited with code "+strconv.Itoa(s.handle.ExitCode())+" before it was ready")
			return
		case <-ticker.C:
		}
		score := m.probe(ctx, s.port)
		ready = r.observe(score)
		if ready {
			m.markReady(key, s, score)
		}
	}
	if !ready {
		m.fail(ctx, key, s, fmt.Sprintf("preview server did not answer on port %d after %d probes", s.port, m.opts.ProbeAttempts))
		return
	}

	select {
	case <-ctx.Done():
	case <-s.handle.Done():
		m.fail(ctx, key, s, "preview server exited with code "+strconv.Itoa(s.handle.ExitCode()))
	}
}

func (m *Manager) markReady(key string, s *session, score Score) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[key] != s || s.status != StatusStarting {
		return
	}
	s.status = StatusReady
	s.lastHeartbeat = m.opts.Now()
	m.logger.Info("preview ready",
		zap.String("task_id", s.taskID),
		zap.String("model_id", s.modelID),
		zap.Int("port", s.port),
		zap.String("probe", score.String()))
}

// fail keeps the session visible in the error state and releases its process and port.
func (m *Manager) fail(ctx context.Context, key string, s *session, msg string) {
	m.mu.Lock()
	current := m.sessions[key] == s
	if current {
		s.status = StatusError
		s.errMsg = msg
		s.lastHeartbeat = m.opts.Now()
	}
	m.mu.Unlock()
	if !current {
		return
	}
	m.logger.Warn("preview failed",
		zap.String("task_id", s.taskID),
		zap.String("model_id", s.modelID),
		zap.String("error", msg))
	m.teardown(context.WithoutCancel(ctx), s)
}

// Stop tears down the session of (taskID, modelID).
func (m *Manager) Stop(ctx context.Context, taskID, modelID string) error {
	if !m.remove(ctx, models.RunKey(taskID, modelID), "") {
		return ErrSessionNotFound
	}
	return nil
}

// remove deletes and tears down the session under key. When only is set the
// session is removed only in that status.
func (m *Manager) remove(ctx context.Context, key string, only Status) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok && (only == "" || s.status == only) {
		delete(m.sessions, key)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		m.teardown(ctx, s)
	}
	return ok
}

// Heartbeat keeps a session alive.
func (m *Manager) Heartbeat(taskID, modelID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[models.RunKey(taskID, modelID)]
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	s.lastHeartbeat = m.opts.Now()
	return m.info(s), nil
}

// Status reports the session of (taskID, modelID).
func (m *Manager) Status(taskID, modelID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[models.RunKey(taskID, modelID)]
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return m.info(s), nil
}

// List reports every session, ordered by key.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.info(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return models.RunKey(out[i].TaskID, out[i].ModelID) < models.RunKey(out[j].TaskID, out[j].ModelID)
	})
	return out
}

// StaticRoot returns the directory a static session serves from.
func (m *Manager) StaticRoot(taskID, modelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[models.RunKey(taskID, modelID)]
	if !ok || s.kind != KindStatic {
		return "", ErrSessionNotFound
	}
	return filepath.Join(s.dir, filepath.Dir(filepath.FromSlash(s.entry))), nil
}

// Reap retires sessions whose heartbeat expired or that never became ready.
// It returns the number of sessions removed.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.opts.Now()
	var expired []*session
	m.mu.Lock()
	for key, s := range m.sessions {
		if m.expired(s, now) {
			delete(m.sessions, key)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("preview session expired",
			zap.String("task_id", s.taskID),
			zap.String("model_id", s.modelID),
			zap.String("status", string(s.status)))
		m.teardown(ctx, s)
	}
	return len(expired)
}

func (m *Manager) expired(s *session, now time.Time) bool {
	if s.status == StatusStarting {
		return now.Sub(s.createdAt) >= m.opts.StartingGrace
	}
	return now.Sub(s.lastHeartbeat) >= m.opts.HeartbeatTimeout
}

// teardown kills the session process group, then anything still bound to its
// port. It runs once per session.
func (m *Manager) teardown(ctx context.Context, s *session) {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.handle != nil {
			if err := s.handle.Terminate(ctx, m.opts.Grace); err != nil {
				m.logger.Warn("failed to terminate preview server", zap.Int("port", s.port), zap.Error(err))
			}
			s.handle.Release()
		}
		if s.port > 0 {
			if n, err := m.killPort(ctx, s.port); err != nil {
				m.logger.Debug("port cleanup failed", zap.Int("port", s.port), zap.Error(err))
			} else if n > 0 {
				m.logger.Info("killed leftover listeners", zap.Int("port", s.port), zap.Int("count", n))
			}
			m.ports.Release(s.port)
		}
	})
}

func (m *Manager) insert(key string, s *session) Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = s
	return m.info(s)
}

// info must be called with m.mu held.
func (m *Manager) info(s *session) Info {
	out := Info{
		TaskID:        s.taskID,
		ModelID:       s.modelID,
		Kind:          s.kind.String(),
		Status:        s.status,
		Port:          s.port,
		Entry:         s.entry,
		Error:         s.errMsg,
		CreatedAt:     s.createdAt,
		LastHeartbeat: s.lastHeartbeat,
	}
	if s.kind == KindStatic {
		out.URL = path.Join("/preview", s.taskID, s.modelID, s.entry)
	} else {
		out.URL = "http://" + m.opts.PublicHost + ":" + strconv.Itoa(s.port) + "/"
	}
	return out
}
