//go:build windows

package builder

import (
	"os"
	"os/exec"
)

func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd", "/C", command)
}

func setProcessGroup(*exec.Cmd) {}

func killProcess(p *os.Process) error {
	return p.Kill()
}
