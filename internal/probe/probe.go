// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package probe connects to a single remote host over SSH to confirm that it
// is reachable and that the supplied credential works. It also gathers the
// observed package, service and port state used by drift detection.
package probe // import "github.com/toeirei/stagehand/internal/probe"

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	clog "github.com/charmbracelet/log"
	"github.com/toeirei/stagehand/internal/security"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

// Config bounds a probe.
type Config struct {
	Timeout  time.Duration // dial, handshake and per-command bound
	Attempts int           // total connection attempts
	Backoff  time.Duration // linear step between attempts
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout, Attempts: DefaultAttempts, Backoff: DefaultBackoff}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	return c
}

// Target identifies a host and the credential to present. When both
// PrivateKey and Password are empty the local SSH agent is used.
type Target struct {
	Host       string
	Port       int
	User       string
	PrivateKey security.Secret
	Password   string
}

// Addr returns host:port with the default SSH port applied.
func (t Target) Addr() string {
	host, port, err := ParseHostPort(t.Host)
	if err != nil {
		return net.JoinHostPort(t.Host, portOrDefault(t.Port))
	}
	if port == 0 {
		port = t.Port
	}
	return net.JoinHostPort(host, portOrDefault(port))
}

// Result is the outcome of Probe. Error is empty on success.
type Result struct {
	Success  bool
	Facts    *HostFacts
	Error    string
	Err      error `json:"-"`
	Attempts int
	Elapsed  time.Duration
}

// Prober is safe for concurrent use.
type Prober struct {
	cfg      Config
	hostKeys HostKeyStore
	log      *clog.Logger
	agent    func() agent.Agent
}

// New returns a Prober. hostKeys may be nil, in which case host keys are not
// verified.
func New(cfg Config, hostKeys HostKeyStore, logger *clog.Logger) *Prober {
	if logger == nil {
		logger = clog.Default()
	}
	return &Prober{
		cfg:      cfg.withDefaults(),
		hostKeys: hostKeys,
		log:      logger.WithPrefix("probe"),
		agent:    getSSHAgent,
	}
}

// Probe opens an authenticated session, runs an identification command and
// parses the host facts. Connection attempts are retried with linear
// backoff; authentication and host key failures stop immediately. Probe
// never returns an error: every failure is reported in the Result.
func (p *Prober) Probe(ctx context.Context, t Target) Result {
	start := time.Now()
	var (
		res    Result
		client *ssh.Client
	)

	op := func() error {
		res.Attempts++
		c, err := p.connect(ctx, t)
		if err != nil {
			p.log.Debug("probe attempt failed", "host", t.Addr(), "attempt", res.Attempts, "err", err)
			if errors.Is(err, ErrNoAuthMethod) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newLinearBackOff(p.cfg.Backoff), uint64(p.cfg.Attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return p.fail(res, start, err)
	}
	defer func() { _ = client.Close() }()

	facts, err := gatherFacts(ctx, client, p.cfg.Timeout)
	if err != nil {
		return p.fail(res, start, err)
	}
	res.Success = true
	res.Facts = facts
	res.Elapsed = time.Since(start)
	p.log.Debug("probe succeeded", "host", t.Addr(), "os", facts.OSPrettyName, "attempts", res.Attempts)
	return res
}

func (p *Prober) fail(res Result, start time.Time, err error) Result {
	res.Success = false
	res.Err = err
	res.Error = err.Error()
	res.Elapsed = time.Since(start)
	return res
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func newLinearBackOff(step time.Duration) *linearBackOff { return &linearBackOff{step: step} }

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.step
}

func (l *linearBackOff) Reset() { l.n = 0 }
