package executor

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// SpawnedChild wraps a child process started as its own process group, so
// terminating it reliably kills fan-out helpers (npm/npx shims, language
// wrappers) that the agent binary spawns underneath it. Dropping a
// SpawnedChild (calling Close) always signals the whole group.
type SpawnedChild struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// ExitC receives the process's exit code exactly once, after Wait
	// returns.
	ExitC chan int

	mu     sync.Mutex
	closed bool
}

// StartGrouped runs cmd as the leader of a new process group and wires its
// stdio pipes, returning a SpawnedChild wrapping it. ctx's cancellation is
// propagated as a SIGTERM to the whole group via cancel's deferred call in
// Close, not by killing only the leader (exec.CommandContext's default
// behavior, which would leave orphaned children behind).
func StartGrouped(ctx context.Context, name string, args []string, dir string, env []string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	sc := &SpawnedChild{
		cmd:    cmd,
		cancel: cancel,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		ExitC:  make(chan int, 1),
	}

	go func() {
		<-runCtx.Done()
		sc.terminateGroup(syscall.SIGTERM)
	}()

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		sc.ExitC <- code
	}()

	return sc, nil
}

// StartGroupedPTY runs cmd attached to a pseudo-terminal instead of plain
// pipes, for agent binaries that refuse to emit their line-JSON protocol (or
// color their output, or buffer differently) unless stdout looks like a
// terminal. Stdout and Stdin both alias the pty master; Stderr is nil since
// a pty combines both streams.
func StartGroupedPTY(ctx context.Context, name string, args []string, dir string, env []string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	master, err := pty.Start(cmd)
	if err != nil {
		cancel()
		return nil, err
	}

	sc := &SpawnedChild{
		cmd:    cmd,
		cancel: cancel,
		Stdin:  master,
		Stdout: master,
		ExitC:  make(chan int, 1),
	}

	go func() {
		<-runCtx.Done()
		sc.terminateGroup(syscall.SIGTERM)
	}()

	go func() {
		err := cmd.Wait()
		_ = master.Close()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		sc.ExitC <- code
	}()

	return sc, nil
}

// terminateGroup signals the whole process group, not just the leader, so
// any shim processes spawned beneath the agent binary are also killed.
func (sc *SpawnedChild) terminateGroup(sig syscall.Signal) {
	if sc.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(sc.cmd.Process.Pid)
	if err != nil {
		_ = sc.cmd.Process.Signal(sig)
		return
	}
	_ = syscall.Kill(-pgid, sig)
}

// PID returns the leader process's pid.
func (sc *SpawnedChild) PID() int {
	if sc.cmd.Process == nil {
		return 0
	}
	return sc.cmd.Process.Pid
}

// Close cancels the child's run context, which sends SIGTERM to the process
// group, and releases the cancellation context. It does not wait for the
// exit or escalate to SIGKILL; Kill sends SIGKILL. Safe to call more than
// once.
func (sc *SpawnedChild) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return nil
	}
	sc.closed = true
	sc.cancel()
	return nil
}

// Kill escalates to SIGKILL immediately, bypassing graceful shutdown.
func (sc *SpawnedChild) Kill() {
	sc.terminateGroup(syscall.SIGKILL)
}
