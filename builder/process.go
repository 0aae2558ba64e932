package builder

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"
)

const maxLineSize = 1024 * 1024

// RunCommand runs command through the host shell in dir and streams every
// line of its stdout and stderr into the run log as it arrives. The result
// is true when the last line seen came from stdout; a command that printed
// nothing reports false. Only a command that cannot be started is an error;
// exit codes are logged and otherwise ignored.
func (m *Manage) RunCommand(ctx context.Context, command, dir string) (bool, error) {
	cmd := shellCommand(command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, err
	}
	if err := cmd.Start(); err != nil {
		return false, err
	}

	p := cmd.Process
	m.proc.Store(p)
	defer m.proc.CompareAndSwap(p, nil)
	// a cancel that ran between Start and Store did not see the process
	if m.Status().Terminal() {
		_ = killProcess(p)
	}
	stop := context.AfterFunc(ctx, func() { _ = killProcess(p) })
	defer stop()

	var (
		mu         sync.Mutex
		fromStdout bool
	)
	scan := func(r io.Reader, isStdout bool) func() error {
		return func() error {
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 64*1024), maxLineSize)
			for sc.Scan() {
				mu.Lock()
				fromStdout = isStdout
				m.Log("%s", sc.Text())
				mu.Unlock()
			}
			if err := sc.Err(); err != nil {
				// keep draining so the child never blocks on a full pipe
				_, _ = io.Copy(io.Discard, r)
				return err
			}
			return nil
		}
	}
	var g errgroup.Group
	g.Go(scan(stdout, true))
	g.Go(scan(stderr, false))
	if err := g.Wait(); err != nil {
		m.Log("reading output: %v", err)
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return false, err
		}
		m.Log("%v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return fromStdout, nil
}
