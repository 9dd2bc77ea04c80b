package action

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"server-health/internal/config"

	"github.com/gravitational/trace"
)

// Script runs an external program and captures its standard output.
type Script struct {
	spec config.RunScript
}

func (s *Script) Execute(ctx context.Context) (string, error) {
	if s.spec.TimeoutDur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.spec.TimeoutDur)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.spec.Path, s.spec.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children inheriting the pipes must not hold Wait forever
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	out := truncate(stdout.String())
	if err == nil {
		return out, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, trace.LimitExceeded("script %v timed out after %v", s.spec.Path, s.spec.TimeoutDur)
	}
	if isErrNotFound(err) {
		return out, trace.NotFound("script %v not found", s.spec.Path)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(truncate(stderr.String()))
		if msg == "" {
			return out, trace.Errorf("script %v exited with code %d", s.spec.Path, exitErr.ExitCode())
		}
		return out, trace.Errorf("script %v exited with code %d: %s", s.spec.Path, exitErr.ExitCode(), msg)
	}
	return out, trace.Wrap(err, "failed to run script %v", s.spec.Path)
}

func isErrNotFound(err error) bool {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return errors.Is(execErr.Err, exec.ErrNotFound)
	}
	return os.IsNotExist(err) || errors.Is(err, os.ErrNotExist)
}
