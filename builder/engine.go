// Package builder runs build executions: one worker per run pulls the source,
// executes the target's commands, packages the artifact and hands it to a
// releaser, while a registry keeps at most one run per target in flight.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"buildops/builder/scm"
	"buildops/shared/model"
)

var ErrInvalidConfig = errors.New("invalid build config")

// Store is the persistence the engine reads and writes during a run.
type Store interface {
	GetBuildTarget(ctx context.Context, id string) (*model.BuildTarget, error)
	SetBuildTargetStatus(ctx context.Context, id string, status model.Status) error
	UpdateBuildTargetResultPath(ctx context.Context, id, path string) error
	NextBuildNumber(ctx context.Context, id string) (int, error)
	CreateBuildLog(ctx context.Context, entry *model.BuildLogEntry) (string, error)
	UpdateBuildLogStatus(ctx context.Context, id string, status model.Status) error
	UpdateBuildLogResultPath(ctx context.Context, id, path string) error
}

// Puller brings a working directory up to date with a repository.
type Puller interface {
	Pull(ctx context.Context, repo model.Repository, dir string, ref scm.Ref, out io.Writer) (string, error)
}

// Engine starts and cancels build executions.
type Engine struct {
	ctx      context.Context
	store    Store
	layout   Layout
	registry *Registry
	puller   Puller
	releaser Releaser
	notifier Notifier
	wg       sync.WaitGroup
}

type Option func(*Engine)

func WithRegistry(r *Registry) Option { return func(e *Engine) { e.registry = r } }
func WithPuller(p Puller) Option      { return func(e *Engine) { e.puller = p } }
func WithReleaser(r Releaser) Option  { return func(e *Engine) { e.releaser = r } }
func WithNotifier(n Notifier) Option  { return func(e *Engine) { e.notifier = n } }

// NewEngine creates an engine whose workers live until ctx is done.
func NewEngine(ctx context.Context, store Store, layout Layout, opts ...Option) *Engine {
	e := &Engine{
		ctx:      ctx,
		store:    store,
		layout:   layout,
		registry: NewRegistry(),
		puller:   scm.NewAdapter(),
		releaser: &CommandReleaser{},
		notifier: Notifiers(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Layout() Layout {
	return e.layout
}

// Create starts a run of targetID on its own goroutine and returns once the
// run is registered. Errors are only returned for runs that never started:
// an unknown target, an invalid config, ErrAlreadyRunning, or a failure to
// number the run or open its log.
func (e *Engine) Create(ctx context.Context, targetID, user string, delay time.Duration) (*Manage, error) {
	target, err := e.store.GetBuildTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := target.Config.Validate(); err != nil {
		return nil, fmt.Errorf("target %s: %w: %w", targetID, ErrInvalidConfig, err)
	}

	m := newManage(e, target, user, delay)
	if err := e.registry.register(targetID, m); err != nil {
		return nil, err
	}

	run, err := e.store.NextBuildNumber(ctx, targetID)
	if err != nil {
		e.registry.release(targetID, m)
		return nil, fmt.Errorf("number build of %s: %w", targetID, err)
	}
	m.runID.Store(int64(run))

	sink, err := OpenLogSink(e.layout.LogFile(targetID, run), targetID, run, e.notifier)
	if err != nil {
		e.registry.release(targetID, m)
		return nil, err
	}
	m.sink.Store(sink)

	m.entry().Infof("🔨 Build #%d of %s started by %s", run, targetID, user)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		m.run(e.ctx)
	}()
	return m, nil
}

// Cancel cancels the in-flight run of targetID, see Registry.Cancel.
func (e *Engine) Cancel(targetID string) bool {
	return e.registry.Cancel(targetID)
}

// Wait blocks until every started worker has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}
