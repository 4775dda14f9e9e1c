package procs

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// LaunchSpec describes one launcher invocation.
type LaunchSpec struct {
	Script  string
	Dir     string
	Env     []string
	LogPath string
}

// Launcher starts the worker loop detached from the controller.
type Launcher interface {
	Launch(spec LaunchSpec) (pid int, err error)
}

// ExecLauncher runs the script in a new session so the loop leads its own
// process group and outlives the controller.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec LaunchSpec) (int, error) {
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open launcher log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(spec.Script)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start launcher: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the child so a finished loop does not linger as a zombie that
	// still answers kill(pid, 0).
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
