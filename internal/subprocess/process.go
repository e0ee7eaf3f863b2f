package subprocess

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/virelabs/toolhost/internal/errors"
)

const (
	// maxScanTokenSize is the maximum buffer size for reading plugin
	// output lines.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize caps the stderr buffer kept for exit
	// diagnostics. Stderr reading continues past the cap; the buffer
	// just stops growing.
	maxStderrBufferSize = 256 * 1024
)

// Process is one running plugin process with wired stdio pipes.
type Process struct {
	log    *slog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu          sync.Mutex // protects stdin writes
	closing     bool       // whether Close() has been called (intentional shutdown)
	stdinClosed bool
	inflight    chan error // write abandoned by a cancelled caller, still draining into stdin
}

// Start spawns the command and wires its pipes. The process outlives the
// context passed here; it is terminated only by Close or by exiting on
// its own.
func Start(log *slog.Logger, name string, args []string, env []string) (*Process, error) {
	log = log.With("component", "subprocess")
	log.Info("Starting plugin process", "command", name, "args", args)

	//nolint:gosec // G204: the command comes from validated host configuration
	cmd := exec.Command(name, args...)
	if env != nil {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()

		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()

		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()

		return nil, fmt.Errorf("start process: %w", err)
	}

	log.Info("Plugin process started", "pid", cmd.Process.Pid)

	return &Process{
		log:    log,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// ReadLines delivers stdout lines and fatal stream errors.
//
// The reading goroutine exits when the process terminates, the context is
// cancelled, or an unrecoverable scanner error occurs. It closes both
// channels on exit. When the process exits non-zero outside an
// intentional Close, a ProcessExitError carrying buffered stderr is sent
// on the error channel first.
func (p *Process) ReadLines(ctx context.Context) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	errs := make(chan error, 1)

	// Buffer stderr for exit diagnostics; reads must finish before Wait().
	var (
		stderrWg     sync.WaitGroup
		stderrMu     sync.Mutex
		stderrBuffer strings.Builder
	)

	stderrWg.Go(func() {
		scanner := bufio.NewScanner(p.stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)

		for scanner.Scan() {
			line := scanner.Text()
			p.log.Debug("Plugin stderr", "line", line)

			stderrMu.Lock()

			if stderrBuffer.Len() < maxStderrBufferSize {
				if stderrBuffer.Len() > 0 {
					stderrBuffer.WriteString("\n")
				}

				stderrBuffer.WriteString(line)
			}

			stderrMu.Unlock()
		}
	})

	go func() {
		defer close(lines)
		defer close(errs)
		defer p.log.Debug("ReadLines goroutine stopped")

		scanner := bufio.NewScanner(p.stdout)
		scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

		for scanner.Scan() {
			// The scanner reuses its buffer between lines.
			line := append([]byte(nil), scanner.Bytes()...)

			select {
			case lines <- line:
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			}
		}

		if err := scanner.Err(); err != nil {
			p.log.Error("Scanner error while reading plugin output", "error", err)

			errs <- fmt.Errorf("scanner error: %w", err)
		}

		stderrWg.Wait()

		p.log.Debug("Waiting for plugin process to exit")

		if err := p.cmd.Wait(); err != nil {
			p.mu.Lock()
			isClosing := p.closing
			p.mu.Unlock()

			if isClosing {
				p.log.Debug("Plugin process terminated during shutdown")

				return
			}

			stderrMu.Lock()
			stderrOutput := stderrBuffer.String()
			stderrMu.Unlock()

			exitCode := 0
			if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
				exitCode = exitErr.ExitCode()
			}

			p.log.Warn("Plugin process exited with error", "exit_code", exitCode, "stderr", stderrOutput)

			errs <- &errors.ProcessExitError{
				ExitCode: exitCode,
				Stderr:   stderrOutput,
				Err:      err,
			}
		} else {
			p.log.Info("Plugin process exited")
		}
	}()

	return lines, errs
}

// WriteLine writes one line to the process stdin, appending the newline
// delimiter. It is safe for concurrent use. Cancelling the context
// during a blocked write returns immediately while the write itself
// finishes in the background, so one caller's disconnect never tears
// down the shared stdin.
func (p *Process) WriteLine(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinClosed {
		return fmt.Errorf("write to plugin: %w", errors.ErrChannelClosed)
	}

	// A previous caller may have been cancelled mid-write; its line is
	// still draining into the pipe and must land before ours.
	if p.inflight != nil {
		select {
		case err := <-p.inflight:
			p.inflight = nil

			if err != nil {
				return fmt.Errorf("write to stdin: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	// Write in a goroutine so context cancellation can return without
	// waiting out a blocked pipe.
	done := make(chan error, 1)

	go func() {
		_, err := p.stdin.Write(line)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write to stdin: %w", err)
		}

		return nil

	case <-ctx.Done():
		p.inflight = done

		return ctx.Err()
	}
}

// Close terminates the plugin process with SIGKILL. It is safe to call
// multiple times or on an already-exited process.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closing = true
	p.stdinClosed = true

	if p.cmd != nil && p.cmd.Process != nil {
		p.log.Debug("Killing plugin process", "pid", p.cmd.Process.Pid)

		if err := p.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill plugin process (pid %d): %w", p.cmd.Process.Pid, err)
		}
	}

	return nil
}
