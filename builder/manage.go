package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"buildops/shared/message"
	"buildops/shared/model"
)

// ErrFinished is returned by UpdateStatus once the execution is terminal.
var ErrFinished = errors.New("build already finished")

// Logger appends human readable lines to a run's log.
type Logger interface {
	Log(format string, args ...interface{})
}

// StatusUpdater moves a run through its states and persists each move.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, status model.Status) error
}

// Execution is what a releaser gets to drive the tail of a run.
type Execution interface {
	Logger
	StatusUpdater
	TargetID() string
	RunID() int
	Status() model.Status
	RunCommand(ctx context.Context, command, dir string) (bool, error)
	// ArtifactDir is the run's history directory holding the packaged result.
	ArtifactDir() string
}

// Manage owns one execution of a build target.
type Manage struct {
	engine *Engine
	target *model.BuildTarget
	user   string
	delay  time.Duration

	runID atomic.Int64
	sink  atomic.Pointer[LogSink]
	proc  atomic.Pointer[os.Process]

	// persistMu serializes transitions together with their persistence, so
	// a cancel never overtakes the creation of the build log entry.
	persistMu sync.Mutex
	mu        sync.Mutex
	status    model.Status
	logID     string

	resultPath string
	done       chan struct{}
}

func newManage(e *Engine, target *model.BuildTarget, user string, delay time.Duration) *Manage {
	return &Manage{
		engine:     e,
		target:     target,
		user:       user,
		delay:      delay,
		status:     model.StatusStarting,
		resultPath: target.Config.ResultPath,
		done:       make(chan struct{}),
	}
}

var _ Execution = (*Manage)(nil)

func (m *Manage) TargetID() string { return m.target.ID }
func (m *Manage) RunID() int       { return int(m.runID.Load()) }
func (m *Manage) User() string     { return m.user }

// Target returns the snapshot of the build target this run uses.
func (m *Manage) Target() model.BuildTarget { return *m.target }

// Done is closed when the worker has returned and the registry entry is gone.
func (m *Manage) Done() <-chan struct{} { return m.done }

func (m *Manage) Status() model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manage) LogPath() string {
	return m.engine.layout.LogFile(m.target.ID, m.RunID())
}

func (m *Manage) ArtifactDir() string {
	return m.engine.layout.ResultDir(m.target.ID, m.RunID())
}

func (m *Manage) entry() *log.Entry {
	return log.WithFields(log.Fields{"target": m.target.ID, "run": m.RunID()})
}

func (m *Manage) Log(format string, args ...interface{}) {
	m.sink.Load().Printf(format, args...)
}

// UpdateStatus moves the run to status and persists it. Entering running
// creates the build log entry. It returns ErrFinished once the run is
// terminal; the first terminal status wins.
func (m *Manage) UpdateStatus(ctx context.Context, status model.Status) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	if m.status.Terminal() {
		from := m.status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFinished, from)
	}
	m.status = status
	m.mu.Unlock()

	m.Log("build status: %s", status)
	if err := m.persist(ctx, status); err != nil {
		return err
	}
	m.engine.notifier.BuildStatus(message.BuildStatusMessage{
		TargetID:  m.target.ID,
		RunID:     m.RunID(),
		Status:    status,
		UpdatedAt: time.Now(),
	})
	return nil
}

func (m *Manage) persist(ctx context.Context, status model.Status) error {
	store := m.engine.store
	if status == model.StatusRunning {
		cfg := m.target.Config
		id, err := store.CreateBuildLog(ctx, &model.BuildLogEntry{
			TargetID:         m.target.ID,
			TargetName:       m.target.Name,
			RunID:            m.RunID(),
			Status:           model.StatusRunning,
			StartTime:        time.Now(),
			ResultPath:       cfg.ResultPath,
			ReleaseMethod:    cfg.ReleaseMethod,
			ReleaseTargetID:  cfg.ReleaseTargetID,
			PostBuildCommand: cfg.PostBuildCommand,
			ReleaseCommand:   cfg.ReleaseCommand,
			User:             m.user,
		})
		if err != nil {
			return fmt.Errorf("create build log: %w", err)
		}
		m.logID = id
	} else if m.logID != "" {
		if err := store.UpdateBuildLogStatus(ctx, m.logID, status); err != nil {
			return fmt.Errorf("update build log: %w", err)
		}
	}
	if err := store.SetBuildTargetStatus(ctx, m.target.ID, status); err != nil {
		return fmt.Errorf("update target status: %w", err)
	}
	return nil
}

// finish sets a terminal status; losing to an earlier terminal status is
// not an error.
func (m *Manage) finish(ctx context.Context, status model.Status) error {
	return settle(m.UpdateStatus(ctx, status))
}

// cancel marks the run cancelled, then kills the attached command. The
// order pairs with the check RunCommand makes after attaching a process.
func (m *Manage) cancel(ctx context.Context) {
	m.persistMu.Lock()
	m.mu.Lock()
	if m.status.Terminal() {
		m.mu.Unlock()
		m.persistMu.Unlock()
		return
	}
	m.status = model.StatusCancelled
	m.mu.Unlock()

	if p := m.proc.Load(); p != nil {
		_ = killProcess(p)
	}
	m.Log("build status: %s", model.StatusCancelled)
	err := m.persist(ctx, model.StatusCancelled)
	m.persistMu.Unlock()

	if err != nil {
		m.entry().WithError(err).Error("❌ Failed to persist cancellation")
		return
	}
	m.engine.notifier.BuildStatus(message.BuildStatusMessage{
		TargetID:  m.target.ID,
		RunID:     m.RunID(),
		Status:    model.StatusCancelled,
		UpdatedAt: time.Now(),
	})
	m.entry().Info("🛑 Build cancelled")
}
