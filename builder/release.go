package builder

import (
	"context"
	"errors"
	"fmt"

	"buildops/shared/model"
)

// ReleaseRequest hands a packaged run to a releaser.
type ReleaseRequest struct {
	Config    model.BuildConfig
	User      string
	Execution Execution
	RunID     int
}

// Releaser ships a packaged artifact. It owns the final status of the run.
type Releaser interface {
	BeginRelease(ctx context.Context, req ReleaseRequest) error
}

// CommandReleaser implements the local-command release method: the release
// command and then the post-build command run in the run's artifact
// directory. Other release methods need a node agent and fail the run.
type CommandReleaser struct{}

func (r *CommandReleaser) BeginRelease(ctx context.Context, req ReleaseRequest) error {
	ex := req.Execution
	cfg := req.Config
	if cfg.ReleaseMethod != model.ReleaseLocalCommand {
		ex.Log("release method %s is not supported", cfg.ReleaseMethod)
		return settle(ex.UpdateStatus(ctx, model.StatusError))
	}

	release := splitCommands(cfg.ReleaseCommand)
	if len(release) == 0 {
		ex.Log("no release command configured")
		return settle(ex.UpdateStatus(ctx, model.StatusError))
	}
	dir := ex.ArtifactDir()
	ex.Log("start release #%d by %s in %s", req.RunID, req.User, dir)
	for _, c := range append(release, splitCommands(cfg.PostBuildCommand)...) {
		if ex.Status().Terminal() {
			return nil
		}
		ok, err := ex.RunCommand(ctx, c, dir)
		if err != nil {
			return fmt.Errorf("release command %q: %w", c, err)
		}
		if !ok {
			ex.Log("warning: %s ended with output on stderr", c)
		}
	}
	return settle(ex.UpdateStatus(ctx, model.StatusSuccess))
}

// settle drops ErrFinished: a run cancelled during release stays cancelled.
func settle(err error) error {
	if errors.Is(err, ErrFinished) {
		return nil
	}
	return err
}
