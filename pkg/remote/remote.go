package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/log"
)

// Target identifies a remote host. The pool keeps at most one channel
// open per distinct target.
type Target struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

func (t Target) key() string {
	return fmt.Sprintf("%s@%s:%d#%s", t.User, t.Host, t.port(), t.KeyPath)
}

func (t Target) port() int {
	if t.Port == 0 {
		return 22
	}
	return t.Port
}

// ExecResult carries the outcome of a remote command
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type pooledConn struct {
	client   *ssh.Client
	lastUsed time.Time
}

// Pool manages shared SSH channels, one per target, closing idle ones
// after the configured timeout. Authentication happens once at channel
// open; pooled Exec calls assume the channel is good.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*pooledConn
	idleTimeout time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewPool creates a connection pool. A zero idleTimeout defaults to
// five minutes.
func NewPool(idleTimeout time.Duration) *Pool {
	if idleTimeout == 0 {
		idleTimeout = 5 * time.Minute
	}
	p := &Pool{
		conns:       make(map[string]*pooledConn),
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
	go p.reaper()
	return p
}

// Close shuts the pool and all open channels.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pc := range p.conns {
		pc.client.Close()
		delete(p.conns, key)
	}
}

func (p *Pool) reaper() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			for key, pc := range p.conns {
				if time.Since(pc.lastUsed) > p.idleTimeout {
					pc.client.Close()
					delete(p.conns, key)
				}
			}
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) client(target Target) (*ssh.Client, error) {
	p.mu.Lock()
	if pc, ok := p.conns[target.key()]; ok {
		pc.lastUsed = time.Now()
		client := pc.client
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	// Dial outside the lock; a duplicate dial loses the race and closes.
	client, err := dial(target)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[target.key()]; ok {
		client.Close()
		pc.lastUsed = time.Now()
		return pc.client, nil
	}
	p.conns[target.key()] = &pooledConn{client: client, lastUsed: time.Now()}
	return client, nil
}

// invalidate drops a broken channel so the next call re-dials.
func (p *Pool) invalidate(target Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[target.key()]; ok {
		pc.client.Close()
		delete(p.conns, target.key())
	}
}

func dial(target Target) (*ssh.Client, error) {
	keyData, err := os.ReadFile(target.KeyPath)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindConfig, "read key %s", target.KeyPath)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindConfig, "parse key %s", target.KeyPath)
	}

	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// The cluster runs on a trusted network; peers are not
		// individually authenticated.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.port()))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "dial %s", addr)
	}
	return client, nil
}

// Exec runs a command on the target. A timeout yields exit code -1 and
// a Timeout-kind error.
func (p *Pool) Exec(ctx context.Context, target Target, command string, timeout time.Duration, env map[string]string) (ExecResult, error) {
	client, err := p.client(target)
	if err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		p.invalidate(target)
		return ExecResult{ExitCode: -1}, errdefs.Wrap(err, errdefs.KindTransport, "open session on %s", target.Host)
	}
	defer session.Close()

	for k, v := range env {
		// Best effort; most sshd configs restrict AcceptEnv
		if err := session.Setenv(k, v); err != nil {
			logger := log.WithComponent("remote")
			logger.Debug().Str("var", k).Msg("setenv rejected by remote")
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		p.invalidate(target)
		return ExecResult{ExitCode: -1}, errdefs.Wrap(err, errdefs.KindTransport, "start command on %s", target.Host)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err = <-done:
	case <-timer:
		session.Signal(ssh.SIGKILL)
		return ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()},
			errdefs.New(errdefs.KindTimeout, "command timed out after %s on %s", timeout, target.Host)
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()},
			errdefs.Wrap(ctx.Err(), errdefs.KindTimeout, "command cancelled on %s", target.Host)
	}

	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ee, ok := err.(*ssh.ExitError); ok {
			result.ExitCode = ee.ExitStatus()
			return result, nil
		}
		p.invalidate(target)
		result.ExitCode = -1
		return result, errdefs.Wrap(err, errdefs.KindTransport, "wait on %s", target.Host)
	}
	return result, nil
}
