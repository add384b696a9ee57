// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package supervisor owns the downstream router process: it renders the
// router's model configuration, launches the process, waits for it to accept
// connections and guarantees it is terminated when the federated router
// exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/federated-router/pkg/registry"
)

const (
	readyPollInterval   = 100 * time.Millisecond
	defaultReadyTimeout = 30 * time.Second
	defaultStopGrace    = 5 * time.Second
)

// Options describe how to launch the downstream router.
type Options struct {
	// Command is the router executable.
	Command string
	// Args overrides the default "--config <ConfigPath> --port <Port>".
	Args []string
	// ConfigPath is generated from Registry when the file does not exist.
	ConfigPath  string
	Registry    *registry.Registry
	BackendHost string
	Port        int
	// Addr is polled until it accepts TCP connections; empty skips the wait.
	Addr         string
	ReadyTimeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

// Process is a running downstream router.
type Process struct {
	cmd       *exec.Cmd
	done      chan struct{}
	waitErr   error
	stopGrace time.Duration
	stopOnce  sync.Once
	stopErr   error
	logger    zerolog.Logger
}

// Start launches the router and blocks until it is ready. On any failure the
// process, if started, is stopped before Start returns.
func Start(ctx context.Context, opts Options) (*Process, error) {
	if opts.Command == "" {
		return nil, errors.New("router command is required")
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	logger := log.With().Str("component", "supervisor").Logger()

	if err := ensureRouterConfig(opts, logger); err != nil {
		return nil, err
	}

	args := opts.Args
	if args == nil {
		args = []string{"--config", opts.ConfigPath, "--port", strconv.Itoa(opts.Port)}
	}

	// Not CommandContext: the process outlives ctx and is ended by Stop.
	cmd := exec.Command(opts.Command, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start router %q: %w", opts.Command, err)
	}

	p := &Process{
		cmd:       cmd,
		done:      make(chan struct{}),
		stopGrace: opts.StopGrace,
		logger:    logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.logger.Info().
		Str("command", opts.Command).
		Strs("args", args).
		Msg("downstream router started")

	if err := p.waitReady(ctx, opts.Addr, opts.ReadyTimeout); err != nil {
		if stopErr := p.Stop(context.Background()); stopErr != nil {
			p.logger.Error().Err(stopErr).Msg("stop router after failed start")
		}
		return nil, err
	}

	p.logger.Info().Str("addr", opts.Addr).Msg("downstream router ready")
	return p, nil
}

func ensureRouterConfig(opts Options, logger zerolog.Logger) error {
	if opts.ConfigPath == "" || opts.Registry == nil {
		return nil
	}
	_, err := os.Stat(opts.ConfigPath)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat router config: %w", err)
	}

	if err := WriteRouterConfig(opts.ConfigPath, opts.Registry, opts.BackendHost); err != nil {
		return err
	}
	logger.Info().
		Str("path", opts.ConfigPath).
		Int("models", opts.Registry.Len()).
		Msg("generated router config")
	return nil
}

func (p *Process) waitReady(ctx context.Context, addr string, timeout time.Duration) error {
	if addr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	dialer := net.Dialer{Timeout: readyPollInterval}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-p.done:
			return fmt.Errorf("router exited before becoming ready: %v", p.waitErr)
		case <-ctx.Done():
			return fmt.Errorf("router not ready on %s: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop terminates the router: SIGTERM first, SIGKILL once the grace period
// or ctx expires. Safe to call more than once.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.logger.Info().Msg("stopping downstream router")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal router: %w", err)
	}

	timer := time.NewTimer(p.stopGrace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Info().Msg("downstream router stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn().Dur("grace", p.stopGrace).Msg("router ignored SIGTERM; killing")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill router: %w", err)
	}
	<-p.done
	return nil
}

// Done is closed once the router process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err reports how the process exited. Only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Pid returns the router's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}
