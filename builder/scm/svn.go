package scm

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"buildops/shared/model"
)

// Svn drives the svn command line client. Ref is ignored: the repository URL
// already names the branch or tag path.
type Svn struct {
	bin string
}

func NewSvn() *Svn {
	return &Svn{bin: "svn"}
}

func (s *Svn) Pull(ctx context.Context, repo model.Repository, dir string, _ Ref, out io.Writer) (string, error) {
	args := []string{"--non-interactive", "--trust-server-cert"}
	if repo.Username != "" {
		args = append(args, "--username", repo.Username)
	}
	if repo.Password != "" {
		args = append(args, "--password", repo.Password)
	}

	var op string
	if _, err := os.Stat(filepath.Join(dir, ".svn")); err == nil {
		op = "update"
		args = append([]string{"update"}, append(args, dir)...)
	} else {
		op = "checkout"
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return "", err
		}
		args = append([]string{"checkout"}, append(args, repo.URL, dir)...)
	}

	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("svn %s %s: %w", op, repo.URL, err)
	}
	return fmt.Sprintf("svn %s %s done", op, repo.URL), nil
}
