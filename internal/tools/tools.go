// Package tools runs the external partitioning, formatting and conversion
// executables an image build depends on.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/logging"
)

var _ Runner = (*ExecRunner)(nil)

// Command is a single collaborator invocation.
type Command struct {
	Name string
	Args []string
	// AllowedExit lists non-zero exit codes that still count as success.
	AllowedExit []int
}

// NewCommand returns a command that only accepts exit status 0.
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// Allow returns a copy of c that also accepts the given exit codes.
func (c Command) Allow(codes ...int) Command {
	c.AllowedExit = append(slices.Clone(c.AllowedExit), codes...)
	return c
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) error

// Run calls f(ctx, cmd).
func (f RunnerFunc) Run(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// Env is the environment handed to every collaborator. It is passed
// explicitly instead of being set on the process.
type Env struct {
	// SkipGeometryCheck disables mtools' strict disk geometry validation.
	SkipGeometryCheck bool
}

// Vars returns the variables that Env adds on top of the process environment.
func (e Env) Vars() []string {
	var vars []string
	if e.SkipGeometryCheck {
		vars = append(vars, "MTOOLS_SKIP_CHECK=1")
	}
	return vars
}

// CommandError reports a command that exited with an unexpected status.
type CommandError struct {
	Command  Command
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if e.Output != "" {
		msg += " (output: " + e.Output + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	Logger *slog.Logger
	// Echo receives every command line before it runs. Nil disables echoing.
	Echo io.Writer
	Env  Env
}

// Run executes cmd and waits for it. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	logger := logging.Ensure(r.Logger).With("command", cmd.Name)
	if r.Echo != nil {
		fmt.Fprintf(r.Echo, "$ %s\n", cmd)
	}
	logger.Info("running command", "argv", cmd.String())

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if vars := r.Env.Vars(); len(vars) > 0 {
		c.Env = append(os.Environ(), vars...)
	}
	var output bytes.Buffer
	c.Stdout = &output
	c.Stderr = &output

	err := c.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", cmd, ctxErr)
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
		if slices.Contains(cmd.AllowedExit, exitCode) {
			logger.Debug("command exited with allowed status", "exit_code", exitCode)
			return nil
		}
	}

	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Output:   strings.TrimSpace(output.String()),
		Err:      imgerr.Wrap(imgerr.ErrCollaborator, err, "run %s", cmd.Name),
	}
}
