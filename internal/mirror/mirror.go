// Package mirror runs wget to recursively copy a preview site to disk and
// reports its progress as job log entries.
package mirror

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
)

// PartialExitCode is wget's "server issued an error response" status. The
// mirror is kept, with a warning.
const PartialExitCode = 8

const partialWarning = "wget completed with HTTP errors (some assets may be missing)"

// maxLineSize bounds a single line of wget output.
const maxLineSize = 1024 * 1024

var (
	ErrToolMissing = errors.New("wget is required but not installed or not in PATH")
	ErrCancelled   = errors.New("mirror cancelled")
)

// ExitError reports a wget exit status other than 0 and PartialExitCode.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("wget exited with code %d", e.Code)
}

// Sink receives classified progress entries.
type Sink func(level job.Level, msg string)

type Options struct {
	WgetPath  string
	TargetURL string
	Dir       string
	// KillGrace is how long wget gets to exit after SIGTERM before it is killed.
	KillGrace time.Duration
}

type Result struct {
	Partial bool
}

// Args returns the wget arguments for a robots-ignoring recursive mirror of
// url into dir.
func Args(dir, url string) []string {
	return []string{"-e", "robots=off", "-P", dir, "-m", url}
}

// Run mirrors opts.TargetURL into opts.Dir. cancelled is polled after every
// output line; cancelling ctx also stops wget.
func Run(ctx context.Context, opts Options, sink Sink, cancelled func() bool) (Result, error) {
	if sink == nil {
		sink = func(job.Level, string) {}
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	bin, err := exec.LookPath(opts.WgetPath)
	if err != nil {
		return Result{}, ErrToolMissing
	}

	args := Args(opts.Dir, opts.TargetURL)
	sink(job.LevelInfo, "Running wget "+strings.Join(args[:4], " ")+" ...")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(runCtx, bin, args...)
	// wget runs in its own process group so that termination also reaches
	// anything it forked that still holds the output pipe.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return terminateGroup(cmd.Process.Pid, opts.KillGrace)
	}
	cmd.WaitDelay = opts.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, ErrToolMissing
		}
		return Result{}, fmt.Errorf("start wget: %w", err)
	}

	var c Classifier
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if cancelled() {
			stop()
			break
		}
		if level, msg, ok := c.Classify(scanner.Text()); ok {
			sink(level, msg)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Nobody reads the pipe from here on; stop wget before waiting.
		stop()
	}

	waitErr := cmd.Wait()
	if cancelled() || ctx.Err() != nil {
		return Result{}, ErrCancelled
	}
	if scanErr != nil {
		return Result{}, fmt.Errorf("read wget output: %w", scanErr)
	}
	if waitErr == nil {
		return Result{}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return Result{}, fmt.Errorf("wait wget: %w", waitErr)
	}
	if exitErr.ExitCode() == PartialExitCode {
		sink(job.LevelWarn, partialWarning)
		return Result{Partial: true}, nil
	}
	return Result{}, &ExitError{Code: exitErr.ExitCode()}
}

// terminateGroup sends SIGTERM to the process group led by pid and SIGKILL
// once grace elapses. With no grace the group is killed at once.
func terminateGroup(pid int, grace time.Duration) error {
	pgid := -pid
	if grace <= 0 {
		return syscall.Kill(pgid, syscall.SIGKILL)
	}
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		return syscall.Kill(pgid, syscall.SIGKILL)
	}
	time.AfterFunc(grace, func() {
		// The group may already be gone; ESRCH is expected then.
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
	return nil
}
