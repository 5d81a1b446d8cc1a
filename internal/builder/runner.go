package builder

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// Command describes a single invocation of the build tool
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes build tool commands. The default implementation shells out
// with os/exec; tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs commands as child processes. The process is killed when ctx is done.
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	return cmd.Run()
}
