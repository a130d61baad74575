// Package process provides a small subprocess runner on the host.
package process

import (
	"context"
	"errors"
	"os/exec"
)

var ErrNoCommand = errors.New("no command provided")

type Op struct {
	commandArgs []string
	envs        []string
	dir         string
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) error {
	for _, opt := range opts {
		opt(op)
	}
	if len(op.commandArgs) == 0 {
		return ErrNoCommand
	}
	return nil
}

// WithCommand sets the command and its arguments.
func WithCommand(args ...string) OpOption {
	return func(op *Op) {
		op.commandArgs = args
	}
}

// WithEnvs appends environment variables in KEY=VALUE form. The parent
// environment is always inherited.
func WithEnvs(envs ...string) OpOption {
	return func(op *Op) {
		op.envs = append(op.envs, envs...)
	}
}

// WithDir sets the working directory.
func WithDir(dir string) OpOption {
	return func(op *Op) {
		op.dir = dir
	}
}

// RunResult carries the outcome of a finished subprocess.
type RunResult struct {
	ExitCode int
	Output   []byte // combined stdout/stderr
}

// Run starts the command and waits for it to exit. A non-zero exit status is
// not an error here: callers inspect ExitCode and Output to decide. Run only
// returns an error when the process could not be started or was cut short by
// the context.
func Run(ctx context.Context, opts ...OpOption) (*RunResult, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, op.commandArgs[0], op.commandArgs[1:]...)
	cmd.Dir = op.dir
	if len(op.envs) > 0 {
		cmd.Env = append(cmd.Environ(), op.envs...)
	}

	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return &RunResult{ExitCode: cmd.ProcessState.ExitCode(), Output: out}, nil
}

// CommandExists reports whether the command is found in PATH.
func CommandExists(name string) bool {
	p, err := exec.LookPath(name)
	return err == nil && p != ""
}
