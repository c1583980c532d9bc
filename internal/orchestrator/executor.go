// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/model"
	"golang.org/x/sync/errgroup"
)

// terminationGrace is how long a cancelled executor may take to exit after
// SIGTERM before it is killed.
const terminationGrace = 5 * time.Second

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// resolveExecutor finds the executor binary. When it is missing, one
// installation attempt is made followed by exactly one more lookup.
func (o *Orchestrator) resolveExecutor(ctx context.Context, rs *runState) (string, error) {
	path, err := lookPath(o.cfg.Binary)
	if err == nil {
		return path, nil
	}
	rs.logf(i18n.Tf("run.executor_missing", o.cfg.Binary))
	if strings.TrimSpace(o.cfg.InstallCommand) == "" {
		return "", fmt.Errorf("%w: %s", model.ErrExecutorNotInstalled, o.cfg.Binary)
	}

	rs.logf(i18n.Tf("run.executor_installing", o.cfg.InstallCommand))
	if out, err := o.install(ctx); err != nil {
		if out != "" {
			rs.output(out)
		}
		rs.logf(i18n.Tf("run.executor_install_failed", err))
		return "", fmt.Errorf("%w: %s: install: %v", model.ErrExecutorNotInstalled, o.cfg.Binary, err)
	}
	path, err = lookPath(o.cfg.Binary)
	if err != nil {
		rs.logf(i18n.Tf("run.executor_install_failed", err))
		return "", fmt.Errorf("%w: %s", model.ErrExecutorNotInstalled, o.cfg.Binary)
	}
	rs.logf(i18n.T("run.executor_installed"))
	return path, nil
}

func (o *Orchestrator) install(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", o.cfg.InstallCommand)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		o.log.Debug("install output", "output", string(out))
	}
	return string(out), err
}

// runExecutor starts the executor against the run's inventory and playbook,
// tracks it in the registry and streams its output line by line. A non-zero
// exit is returned as *model.ExecutorExitError.
func (o *Orchestrator) runExecutor(ctx context.Context, rs *runState, binary, inventory, playbook string) error {
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := NewHandle(rs.run.ID, cancel)
	if err := o.registry.Register(handle); err != nil {
		return err
	}
	rs.handle = handle
	defer o.registry.Remove(handle)

	cmd := exec.CommandContext(procCtx, binary, "-i", inventory, playbook)
	cmd.Dir = rs.dir.Path
	cmd.Env = append(os.Environ(),
		"ANSIBLE_HOST_KEY_CHECKING=False",
		"ANSIBLE_NOCOLOR=1",
		"ANSIBLE_RETRY_FILES_ENABLED=False",
		"ANSIBLE_TIMEOUT="+strconv.Itoa(seconds(o.cfg.ConnectTimeout)),
		"ANSIBLE_TASK_TIMEOUT="+strconv.Itoa(seconds(o.cfg.TaskTimeout)),
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	rs.logf(i18n.Tf("run.executor_starting", binary))
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", model.ErrExecutorNotInstalled, err)
		}
		return fmt.Errorf("start executor: %w", err)
	}
	o.metrics.processStarted()
	defer o.metrics.processExited()
	o.log.Info("executor started", "run_id", rs.run.ID, "pid", cmd.Process.Pid)

	// Descendants of a terminated executor can keep the pipes open; after
	// the grace period the read ends are closed so the pumps return.
	pumped := make(chan struct{})
	go func() {
		select {
		case <-pumped:
			return
		case <-procCtx.Done():
		}
		t := time.NewTimer(terminationGrace)
		defer t.Stop()
		select {
		case <-pumped:
		case <-t.C:
			_ = stdout.Close()
			_ = stderr.Close()
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return rs.pump(stdout) })
	g.Go(func() error { return rs.pump(stderr) })
	pumpErr := g.Wait()
	close(pumped)
	waitErr := cmd.Wait()

	if pumpErr != nil {
		o.log.Warn("executor output stream error", "run_id", rs.run.ID, "err", pumpErr)
	}
	if waitErr == nil {
		return nil
	}
	if handle.Cancelled() {
		return context.Canceled
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &model.ExecutorExitError{Code: exitErr.ExitCode(), Output: rs.tail()}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("executor: %w", waitErr)
}

// pump copies r into the run log line by line.
func (rs *runState) pump(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		rs.output(sc.Text())
	}
	err := sc.Err()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// simulate stands in for the executor when it cannot be installed. It
// walks the inventory and reports each host as applied without contacting
// it.
func (o *Orchestrator) simulate(rs *runState, hosts []HostEntry) {
	rs.logf(i18n.T("run.simulated_start"))
	for _, h := range hosts {
		rs.logf(i18n.Tf("run.simulated_host", h.Name, rs.config.Name))
	}
	rs.logf(i18n.T("run.simulated_done"))
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
