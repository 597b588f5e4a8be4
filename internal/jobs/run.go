// Package jobs runs configured shell commands as tasks on a scheduler lane.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Job is a command run on a schedule.
type Job struct {
	Name     string
	Schedule string
	Command  []string
	Timeout  time.Duration // 0 means no timeout
	Dir      string
	Env      []string // KEY=VALUE, appended to the daemon environment
}

// Result describes one finished run.
type Result struct {
	ExitCode    int
	StdoutBytes int64
	StderrBytes int64
	// StderrTail holds the last bytes the command wrote to stderr.
	StderrTail string
	Took       time.Duration
}

var ErrEmptyCommand = errors.New("jobs: empty command")

// RunError is returned for a run that could not start, exited non-zero or
// timed out.
type RunError struct {
	Job      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("job %s: %v", e.Job, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

const stderrTailSize = 512

// Run executes j and waits for it. A non-nil error is always a *RunError.
func Run(ctx context.Context, j Job) (Result, error) {
	var res Result
	if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
		return res, &RunError{Job: j.Name, ExitCode: -1, Err: ErrEmptyCommand}
	}
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, j.Command[0], j.Command[1:]...)
	cmd.Dir = j.Dir
	cmd.Env = append(os.Environ(), j.Env...)
	// Children that keep the pipes open must not hold Wait forever.
	cmd.WaitDelay = 2 * time.Second

	var stdout countWriter
	stderr := tailWriter{max: stderrTailSize}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res.Took = time.Since(start)
	res.StdoutBytes = stdout.n
	res.StderrBytes = stderr.n
	res.StderrTail = strings.TrimSpace(string(stderr.buf))
	if err == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return res, &RunError{Job: j.Name, ExitCode: res.ExitCode, Stderr: res.StderrTail, Err: err}
}

type countWriter struct{ n int64 }

func (w *countWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// tailWriter keeps only the last max bytes written.
type tailWriter struct {
	max int
	n   int64
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	return len(p), nil
}
