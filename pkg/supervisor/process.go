package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
)

// Exit describes how a worker process ended.
type Exit struct {
	Code   int            `json:"code"`
	Signal syscall.Signal `json:"signal,omitempty"`
	Err    string         `json:"error,omitempty"`
}

// Clean reports whether the exit counts as a requested stop: exit code 0
// or termination by SIGTERM/SIGINT. Everything else is a crash.
func (e Exit) Clean() bool {
	if e.Err != "" {
		return false
	}
	if e.Signal != 0 {
		return e.Signal == syscall.SIGTERM || e.Signal == syscall.SIGINT
	}
	return e.Code == 0
}

func (e Exit) String() string {
	switch {
	case e.Err != "":
		return "error: " + e.Err
	case e.Signal != 0:
		return "signal: " + e.Signal.String()
	default:
		return "exit code " + strconv.Itoa(e.Code)
	}
}

// Process is a running worker process.
type Process interface {
	Pid() int
	// Wait blocks until the process has exited.
	Wait() Exit
	// Signal delivers sig to the process group.
	Signal(sig syscall.Signal) error
	// Kill force-terminates the process group.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(workerID WorkerID, cfg Config, env []string) (Process, error)
}

// Environ builds the worker environment: the parent environment, then the
// config's variables, then the worker identity and controller address,
// which always win.
func Environ(workerID WorkerID, cfg Config) []string {
	env := os.Environ()
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return append(env,
		"WORKER_ID="+string(workerID),
		"MASTER_HOST="+cfg.MasterHost,
		"MASTER_PORT="+strconv.Itoa(cfg.MasterPort),
	)
}

// ExecSpawner runs workers as child processes in their own process group,
// forwarding their stdout and stderr lines to the logger.
type ExecSpawner struct {
	Logger *slog.Logger
}

func (s ExecSpawner) Spawn(workerID WorkerID, cfg Config, env []string) (Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is empty")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = env
	cmd.Dir = cfg.Dir
	// Own process group so signals reach the worker's children (browsers)
	// as well.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &execProcess{cmd: cmd}
	p.output.Add(2)
	go p.forward(stdout, logger.With("worker_id", workerID, "stream", "stdout"), slog.LevelInfo)
	go p.forward(stderr, logger.With("worker_id", workerID, "stream", "stderr"), slog.LevelWarn)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output sync.WaitGroup
}

func (p *execProcess) forward(r io.Reader, logger *slog.Logger, level slog.Level) {
	defer p.output.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Log(context.Background(), level, scanner.Text())
	}
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() Exit {
	// Pipes must be drained before Wait closes them.
	p.output.Wait()
	err := p.cmd.Wait()
	if err == nil {
		return Exit{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Exit{Code: -1, Signal: status.Signal()}
		}
		return Exit{Code: exitErr.ExitCode()}
	}
	return Exit{Code: -1, Err: err.Error()}
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}
