package builder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"buildops/builder/artifact"
	"buildops/builder/scm"
	"buildops/shared/model"
)

// A stage returns false to halt the pipeline; an error (or a panic) is a
// crash and turns the run into an error.
type stage struct {
	name string
	fn   func(ctx context.Context) (bool, error)
}

func (m *Manage) stages() []stage {
	return []stage{
		{"startReady", m.startReady},
		{"pull", m.pull},
		{"executeCommand", m.executeCommand},
		{"release", m.packageRelease},
	}
}

func (m *Manage) run(ctx context.Context) {
	defer m.cleanup()

	for _, s := range m.stages() {
		if m.Status().Terminal() {
			return
		}
		ok, err := m.runStage(ctx, s)
		if err != nil {
			m.Log("build failed: %s: %v", s.name, err)
			m.entry().WithField("stage", s.name).WithError(err).Error("❌ Build failed")
			if err := m.finish(context.Background(), model.StatusError); err != nil {
				m.entry().WithError(err).Error("❌ Failed to persist build error")
			}
			return
		}
		if !ok {
			return
		}
	}
}

func (m *Manage) runStage(ctx context.Context, s stage) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx)
}

func (m *Manage) cleanup() {
	m.engine.registry.release(m.target.ID, m)
	if err := m.sink.Load().Close(); err != nil {
		m.entry().WithError(err).Warn("⚠️ Failed to close build log")
	}
	m.entry().Infof("Build finished with status %s", m.Status())
	close(m.done)
}

func (m *Manage) startReady(ctx context.Context) (bool, error) {
	if err := m.UpdateStatus(ctx, model.StatusRunning); err != nil {
		if !errors.Is(err, ErrFinished) {
			// nothing is persisted for this run, so there is no status to fail
			m.Log("failed to start build: %v", err)
			m.entry().WithError(err).Error("❌ Failed to create build log")
		}
		return false, nil
	}
	m.Log("working directory: %s", m.engine.layout.SourceDir(m.target.ID))
	if m.delay > 0 {
		m.Log("Execution delayed by %v", m.delay)
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return true, nil
}

func (m *Manage) pull(ctx context.Context) (bool, error) {
	t := m.target
	out := m.sink.Load().Writer()
	summary, err := m.engine.puller.Pull(ctx, t.Repository, m.engine.layout.SourceDir(t.ID), scm.Ref{Branch: t.Branch, Tag: t.Tag}, out)
	out.Close()

	var re *scm.ResolveError
	if errors.As(err, &re) {
		m.Log("%s did not match the corresponding %s", re.Selector, re.Kind)
		return false, m.finish(ctx, model.StatusError)
	}
	if err != nil {
		return false, err
	}
	m.Log("%s", summary)
	return true, nil
}

func (m *Manage) executeCommand(ctx context.Context) (bool, error) {
	commands := splitCommands(m.target.Script)
	if len(commands) == 0 {
		m.Log("no commands to execute")
		return false, m.finish(ctx, model.StatusError)
	}
	dir := m.engine.layout.SourceDir(m.target.ID)
	for _, c := range commands {
		if m.Status().Terminal() {
			return false, nil
		}
		m.Log("> %s", c)
		ok, err := m.RunCommand(ctx, c, dir)
		if err != nil {
			return false, fmt.Errorf("run %q: %w", c, err)
		}
		if !ok {
			m.Log("warning: %s ended with output on stderr", c)
		}
	}
	return true, nil
}

func (m *Manage) packageRelease(ctx context.Context) (bool, error) {
	t := m.target
	root := m.engine.layout.SourceDir(t.ID)
	expr := m.resultPath

	resolved, err := artifact.Resolve(root, expr)
	if err != nil {
		var nm *artifact.NoMatchError
		if errors.As(err, &nm) {
			m.Log("%s no file matched", nm.Pattern)
		} else {
			m.Log("result path: %v", err)
		}
		return false, m.finish(ctx, model.StatusError)
	}
	if artifact.IsPattern(expr) {
		m.Log("%s matched %s", expr, resolved)
		m.resultPath = resolved
		if err := m.engine.store.UpdateBuildLogResultPath(ctx, m.logID, resolved); err != nil {
			return false, err
		}
		if err := m.engine.store.UpdateBuildTargetResultPath(ctx, t.ID, resolved); err != nil {
			return false, err
		}
	}

	dst := m.engine.layout.HistoryPackageFile(t.ID, m.RunID(), resolved)
	skipped, err := artifact.Copy(filepath.Join(root, filepath.FromSlash(resolved)), dst)
	for _, rel := range skipped {
		m.Log("artifact entry %s skipped: not a regular file", rel)
	}
	if err != nil {
		return false, fmt.Errorf("copy artifact: %w", err)
	}
	m.Log("artifact saved to %s", dst)

	if m.Status().Terminal() {
		return false, nil
	}
	cfg := t.Config
	if cfg.ReleaseMethod == model.ReleaseNone {
		return true, m.finish(ctx, model.StatusSuccess)
	}
	m.Log("release method: %s", cfg.ReleaseMethod)
	cfg.ResultPath = m.resultPath
	err = m.engine.releaser.BeginRelease(ctx, ReleaseRequest{
		Config:    cfg,
		User:      m.user,
		Execution: m,
		RunID:     m.RunID(),
	})
	return err == nil, err
}

// splitCommands splits a script into its non-blank lines.
func splitCommands(script string) []string {
	var commands []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		commands = append(commands, line)
	}
	return commands
}
