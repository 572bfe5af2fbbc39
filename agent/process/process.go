/*
Package process is the agent's execution backend. It runs code fragments sent by the console
through an interpreter on the agent host and captures what they write.

The default interpreter is "/bin/sh -c <fragment>". Fragments are not sandboxed; they run with
the agent's privileges and working directory.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the captured outcome of one fragment.
// Output is a short summary of how the fragment ended; it's empty on success.
type Result struct {
	Status   string
	Output   string
	Stdout   string
	Stderr   string
	ExitCode int
	TimeMS   int64
}

// Executor runs a code fragment. An error means the fragment could not be run at all;
// a fragment that runs and fails is reported through Result.Status.
type Executor interface {
	Execute(ctx context.Context, code string) (Result, error)
}

// Completer suggests completions for a partial fragment.
type Completer interface {
	Complete(ctx context.Context, text string) ([]string, error)
}

// Shell executes fragments with an interpreter such as /bin/sh.
type Shell struct {
	Log *zap.SugaredLogger

	// Path is the interpreter, "/bin/sh" if empty.
	Path string
	// Args precede the fragment, ["-c"] if nil.
	Args []string
	// WD is the working directory, the agent's if empty.
	WD string
	// Env is appended to the agent's environment.
	Env []string
	// Timeout bounds each fragment; zero means no bound beyond the request context.
	Timeout time.Duration
}

var _ Executor = (*Shell)(nil)
var _ Completer = (*Shell)(nil)

func (s *Shell) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *Shell) command(ctx context.Context, code string) *exec.Cmd {
	path := s.Path
	if path == "" {
		path = "/bin/sh"
	}
	args := s.Args
	if args == nil {
		args = []string{"-c"}
	}
	cmd := exec.CommandContext(ctx, path, append(append([]string{}, args...), code)...)
	cmd.Dir = s.WD
	// children of the interpreter may hold the output pipes open after it is killed
	cmd.WaitDelay = time.Second
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	return cmd
}

func (s *Shell) Execute(ctx context.Context, code string) (Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := s.command(ctx, code)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return Result{}, fmt.Errorf("starting interpreter: %w", err)
	}
	s.log().Debugw("started fragment", "PID", cmd.Process.Pid, "Bytes", len(code))

	err = cmd.Wait()
	res := Result{
		Status:   StatusOK,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		TimeMS:   time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Status = StatusError
		res.Output = err.Error()
		var exitErr *exec.ExitError
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Output = fmt.Sprintf("%s: %s", err, ctxErr)
		} else if !errors.As(err, &exitErr) {
			s.log().Debugf("unexpected wait error: %s", err)
		}
	}
	s.log().Debugw("fragment finished", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
	return res, nil
}
