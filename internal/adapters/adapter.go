package adapters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/outpost-sec/outpost/internal/logger"
)

// ErrorKind classifies adapter failures so the scheduler can decide whether
// to retry a job.
type ErrorKind string

const (
	// ErrTransient covers failures that may succeed on retry: network
	// hiccups, upstream 5xx, tool crashes.
	ErrTransient ErrorKind = "transient"
	// ErrPermanent covers failures retrying cannot fix: bad targets,
	// missing binaries, unparseable tool output.
	ErrPermanent ErrorKind = "permanent"
	// ErrTimeout means the per-adapter deadline elapsed. Retried once.
	ErrTimeout ErrorKind = "timeout"
)

// AdapterError wraps a tool failure with its retry classification.
type AdapterError struct {
	Capability string
	Kind       ErrorKind
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Capability, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func transientErr(capability string, err error) *AdapterError {
	return &AdapterError{Capability: capability, Kind: ErrTransient, Err: err}
}

func permanentErr(capability string, err error) *AdapterError {
	return &AdapterError{Capability: capability, Kind: ErrPermanent, Err: err}
}

func timeoutErr(capability string, err error) *AdapterError {
	return &AdapterError{Capability: capability, Kind: ErrTimeout, Err: err}
}

// KindOf extracts the classification from an adapter error chain. Errors
// that are not AdapterErrors are treated as transient.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrTransient
}

// commandResult carries whatever an external tool produced before it
// exited, failed, or was killed. Lines holds stdout split into JSONL
// records; Stderr is retained for the job log.
type commandResult struct {
	Lines  []string
	Stderr string
}

// runCommand executes an external tool under ctx, streaming stdout line by
// line and capturing stderr. Output collected before a deadline or
// cancellation is returned alongside the error so partial findings survive.
func runCommand(ctx context.Context, log *logger.Logger, capability, binary string, args []string) (*commandResult, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return nil, permanentErr(capability, fmt.Errorf("binary %q not found: %w", binary, err))
	}

	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, permanentErr(capability, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, permanentErr(capability, fmt.Errorf("stderr pipe: %w", err))
	}

	log.Debugw("Running tool", "capability", capability, "binary", binary, "args", args)

	if err := cmd.Start(); err != nil {
		return nil, permanentErr(capability, fmt.Errorf("failed to start %s: %w", binary, err))
	}

	result := &commandResult{}
	var stderrBuf bytes.Buffer
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				result.Lines = append(result.Lines, line)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrBuf.WriteString(scanner.Text())
			stderrBuf.WriteByte('\n')
			log.Debugw("Tool stderr", "capability", capability, "output", scanner.Text())
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	result.Stderr = stderrBuf.String()

	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, timeoutErr(capability, fmt.Errorf("%s timed out: %w", binary, ctx.Err()))
		}
		if ctx.Err() == context.Canceled {
			return result, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, transientErr(capability, fmt.Errorf("%s exited with code %d: %s",
				binary, exitErr.ExitCode(), truncate(result.Stderr, 512)))
		}
		return result, transientErr(capability, fmt.Errorf("%s failed: %w", binary, waitErr))
	}

	return result, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
