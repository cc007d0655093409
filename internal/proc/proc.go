// Package proc starts and stops tor processes, waiting out the bootstrap
// phase so callers get back a process that's actually ready to use.
package proc

import (
	"bufio"
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ferrovax/torctl/internal/errors"
)

const (
	// NoTorrc runs tor with a blank configuration when provided as the
	// TorrcPath.
	NoTorrc = "<no torrc>"

	// DefaultInitTimeout bounds our attempt to start a tor instance. A stale
	// data directory means bootstrapping includes several requests to the
	// directory authorities, which usually finishes within a minute but
	// occasionally gets stuck.
	DefaultInitTimeout = 90 * time.Second

	// DefaultCompletionPercent is the bootstrap percentage we wait for.
	DefaultCompletionPercent = 100
)

var (
	bootstrapLine = regexp.MustCompile(`Bootstrapped ([0-9]+)%`)
	problemLine   = regexp.MustCompile(`\[(warn|err)\] (.*)$`)
)

// Config describes how to launch a tor process.
type Config struct {
	// TorPath is the tor binary to run.
	TorPath string

	// Args are additional command line arguments.
	Args []string

	// TorrcPath is the configuration file to run with. Empty uses tor's
	// default lookup, NoTorrc runs with a blank configuration.
	TorrcPath string

	// Options, when set, are written to a temporary torrc which is deleted
	// once launch completes. Takes precedence over TorrcPath.
	Options map[string]string

	// CompletionPercent is the bootstrap percentage at which Launch returns.
	// Zero means DefaultCompletionPercent.
	CompletionPercent int

	// InitMsgHandler, when set, receives tor's startup stdout line by line.
	InitMsgHandler func(line string)

	// Timeout bounds the bootstrap wait. Zero means DefaultInitTimeout.
	Timeout time.Duration

	// Logger receives launch progress. Required.
	Logger *slog.Logger
}

// Process is a running tor instance that we launched.
type Process struct {
	log *slog.Logger
	id  string
	cmd *exec.Cmd

	done    chan struct{}
	waitMu  sync.Mutex
	waitErr error
}

// Launch starts a tor process and blocks until bootstrapping reaches the
// configured completion percent, the process dies, or the timeout passes.
func Launch(ctx context.Context, cfg Config) (*Process, error) {
	id := ulid.Make().String()
	log := cfg.Logger.With("component", "tor_process", "instance_id", id)

	completionPercent := cfg.CompletionPercent
	if completionPercent == 0 {
		completionPercent = DefaultCompletionPercent
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultInitTimeout
	}

	torrcPath := cfg.TorrcPath
	if torrcPath != "" && torrcPath != NoTorrc {
		if _, err := os.Stat(torrcPath); err != nil {
			return nil, fmt.Errorf("torrc doesn't exist (%s)", torrcPath)
		}
	}

	args := make([]string, 0, len(cfg.Args)+2)
	args = append(args, cfg.Args...)

	var tempTorrc string

	switch {
	case cfg.Options != nil:
		path, err := writeTempTorrc(id, cfg.Options)
		if err != nil {
			return nil, err
		}

		tempTorrc = path
		args = append(args, "-f", path)
	case torrcPath == NoTorrc:
		path, err := writeTempTorrc(id, nil)
		if err != nil {
			return nil, err
		}

		tempTorrc = path
		args = append(args, "-f", path)
	case torrcPath != "":
		args = append(args, "-f", torrcPath)
	}

	if tempTorrc != "" {
		defer func() { _ = os.Remove(tempTorrc) }()
	}

	log.Info("Starting tor process", "tor_path", cfg.TorPath, "args", args)

	//nolint:gosec // G204: launching tor with caller provided arguments is the point
	cmd := exec.Command(cfg.TorPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tor process: %w", err)
	}

	p := &Process{
		log:  log,
		id:   id,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// bootstrapped receives nil when the completion percent is reached, or
	// a ProcessError when tor's output ends first.
	bootstrapped := make(chan error, 1)

	var pumps errgroup.Group

	pumps.Go(func() error {
		lastProblem := "timed out"
		reached := false
		scanner := bufio.NewScanner(stdout)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())

			if cfg.InitMsgHandler != nil && !reached {
				cfg.InitMsgHandler(line)
			}

			if match := bootstrapLine.FindStringSubmatch(line); match != nil && !reached {
				percent, _ := strconv.Atoi(match[1])
				log.Debug("Bootstrap progress", "percent", percent)

				if percent >= completionPercent {
					reached = true
					bootstrapped <- nil
				}
			} else if match := problemLine.FindStringSubmatch(line); match != nil {
				msg := match[2]

				if !strings.Contains(msg, "see warnings above") {
					if idx := strings.LastIndex(msg, ": "); idx != -1 {
						msg = strings.TrimSpace(msg[idx+2:])
					}

					lastProblem = msg
				}
			}
		}

		// EOF without reaching the completion percent means tor died on us.
		if !reached {
			bootstrapped <- &errors.ProcessError{Problem: "process terminated: " + lastProblem}
		}

		return nil
	})

	pumps.Go(func() error {
		// stderr only needs draining so the pipe can't fill
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
		}

		return nil
	})

	go func() {
		_ = pumps.Wait()

		err := cmd.Wait()

		p.waitMu.Lock()
		p.waitErr = err
		p.waitMu.Unlock()

		close(p.done)
	}()

	select {
	case err := <-bootstrapped:
		if err != nil {
			// stdout hit EOF, so the process is already on its way out
			<-p.done

			procErr := &errors.ProcessError{}
			if stderr.As(err, &procErr) {
				procErr.ExitCode = p.exitCode()
			}

			log.Error("tor failed to bootstrap", "error", err)

			return nil, err
		}

		log.Info("tor process bootstrapped", "pid", cmd.Process.Pid)

		return p, nil
	case <-time.After(timeout):
		log.Error("Reached timeout without tor bootstrapping", "timeout", timeout)
		p.kill()

		return nil, &errors.ProcessError{Problem: fmt.Sprintf("reached a %s timeout without success", timeout)}
	case <-ctx.Done():
		p.kill()

		return nil, ctx.Err()
	}
}

// ID returns the launch instance identifier.
func (p *Process) ID() string {
	return p.id
}

// Pid returns the tor process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the tor process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop terminates the tor process, first with SIGTERM and then, if the
// context expires before it exits, with SIGKILL.
func (p *Process) Stop(ctx context.Context) error {
	p.log.Info("Stopping tor process", "pid", p.Pid())

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// already gone
		select {
		case <-p.done:
			return nil
		default:
		}

		return fmt.Errorf("signal tor process (pid %d): %w", p.Pid(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.log.Warn("tor didn't exit in time, killing it", "pid", p.Pid())
		p.kill()

		return ctx.Err()
	}
}

func (p *Process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) exitCode() int {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()

	var exitErr *exec.ExitError
	if stderr.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}

	return 0
}

// writeTempTorrc writes the configuration to a temp file, one "key value"
// pair per line. A nil config yields a blank torrc.
func writeTempTorrc(id string, options map[string]string) (string, error) {
	f, err := os.CreateTemp("", "torrc-"+id+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp torrc: %w", err)
	}

	for key, value := range options {
		if _, err := fmt.Fprintf(f, "%s %s\n", key, value); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())

			return "", fmt.Errorf("write temp torrc: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("close temp torrc: %w", err)
	}

	return f.Name(), nil
}
