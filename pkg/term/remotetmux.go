package term

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/remote"
)

const remoteTmuxTimeout = 30 * time.Second

// RemoteTmux drives a tmux server on another host through a pooled SSH
// channel. It speaks the same pane protocol as the local adapter, so
// sessions on remote nodes are routed transparently.
type RemoteTmux struct {
	pool   *remote.Pool
	target remote.Target
}

// NewRemoteTmux creates a multiplexer for the tmux server on target.
func NewRemoteTmux(pool *remote.Pool, target remote.Target) *RemoteTmux {
	return &RemoteTmux{pool: pool, target: target}
}

func (r *RemoteTmux) SendText(ctx context.Context, session, text string) error {
	_, err := r.run(ctx, session,
		fmt.Sprintf("tmux send-keys -t %s -l -- %s", shQuote(session), shQuote(text)))
	return err
}

func (r *RemoteTmux) SendKey(ctx context.Context, session string, key Key) error {
	var name string
	switch key {
	case KeyEnter:
		name = "Enter"
	case KeyEscape:
		name = "Escape"
	default:
		s := string(key)
		if len(s) != 1 || s[0] < '0' || s[0] > '9' {
			return errdefs.New(errdefs.KindInvalidState, "unsupported key %q", key)
		}
		name = s
	}
	_, err := r.run(ctx, session,
		fmt.Sprintf("tmux send-keys -t %s %s", shQuote(session), name))
	return err
}

func (r *RemoteTmux) Capture(ctx context.Context, session string, maxBytes int) ([]byte, error) {
	lines := maxBytes / 40
	if lines < 50 {
		lines = 50
	}
	out, err := r.run(ctx, session,
		fmt.Sprintf("tmux capture-pane -t %s -p -S -%d", shQuote(session), lines))
	if err != nil {
		return nil, err
	}
	cleaned := ansiRE.ReplaceAll(out, nil)
	if maxBytes > 0 && len(cleaned) > maxBytes {
		cleaned = cleaned[len(cleaned)-maxBytes:]
	}
	return cleaned, nil
}

func (r *RemoteTmux) List(ctx context.Context) ([]Pane, error) {
	out, err := r.run(ctx, "", `tmux list-sessions -F '#{session_name}	#{session_attached}'`)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var panes []Pane
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		p := Pane{Name: parts[0]}
		if len(parts) == 2 && parts[1] != "0" {
			p.Attached = true
		}
		panes = append(panes, p)
	}
	return panes, nil
}

func (r *RemoteTmux) run(ctx context.Context, session, command string) ([]byte, error) {
	res, err := r.pool.Exec(ctx, r.target, command, remoteTmuxTimeout, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if strings.Contains(msg, "can't find") || strings.Contains(msg, "no server running") {
			if session != "" {
				return nil, errdefs.New(errdefs.KindNotFound, "session %q unknown on %s", session, r.target.Host)
			}
			return nil, errdefs.New(errdefs.KindNotFound, "no tmux server on %s", r.target.Host)
		}
		return nil, errdefs.New(errdefs.KindTransport, "tmux on %s: %s", r.target.Host, msg)
	}
	return []byte(res.Stdout), nil
}

// shQuote wraps s in single quotes for the remote shell.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
