package term

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/droverhq/drover/pkg/errdefs"
)

// ansiRE matches CSI/OSC escape sequences and stray control bytes left
// in capture-pane output.
var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*(\x07|\x1b\\)|[\x00-\x08\x0b\x0c\x0e-\x1f]`)

// Tmux drives a local tmux server. One call is in flight per session at
// a time; calls to different sessions proceed independently.
type Tmux struct {
	bin string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTmux creates a tmux-backed multiplexer.
func NewTmux() *Tmux {
	return &Tmux{
		bin:   "tmux",
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *Tmux) sessionLock(session string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[session]
	if !ok {
		l = &sync.Mutex{}
		t.locks[session] = l
	}
	return l
}

// SendText injects literal text into the pane's input.
func (t *Tmux) SendText(ctx context.Context, session, text string) error {
	l := t.sessionLock(session)
	l.Lock()
	defer l.Unlock()

	_, err := t.run(ctx, session, "send-keys", "-t", session, "-l", "--", text)
	return err
}

// SendKey injects a single named key.
func (t *Tmux) SendKey(ctx context.Context, session string, key Key) error {
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

	l := t.sessionLock(session)
	l.Lock()
	defer l.Unlock()

	_, err := t.run(ctx, session, "send-keys", "-t", session, name)
	return err
}

// Capture returns the tail of the pane's scrollback plus live screen.
func (t *Tmux) Capture(ctx context.Context, session string, maxBytes int) ([]byte, error) {
	l := t.sessionLock(session)
	l.Lock()
	defer l.Unlock()

	// Scrollback lines are a rough proxy for bytes; over-fetch and trim.
	lines := maxBytes / 40
	if lines < 50 {
		lines = 50
	}
	out, err := t.run(ctx, session, "capture-pane", "-t", session, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return nil, err
	}

	cleaned := ansiRE.ReplaceAll(out, nil)
	if maxBytes > 0 && len(cleaned) > maxBytes {
		cleaned = cleaned[len(cleaned)-maxBytes:]
	}
	return cleaned, nil
}

// List returns all known sessions and their attached state.
func (t *Tmux) List(ctx context.Context) ([]Pane, error) {
	out, err := t.run(ctx, "", "list-sessions", "-F", "#{session_name}\t#{session_attached}")
	if err != nil {
		// A tmux server with no sessions exits nonzero; treat as empty.
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

func (t *Tmux) run(ctx context.Context, session string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "can't find") || strings.Contains(msg, "no server running") {
			if session != "" {
				return nil, errdefs.New(errdefs.KindNotFound, "session %q unknown", session)
			}
			return nil, errdefs.New(errdefs.KindNotFound, "no tmux server")
		}
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "tmux %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}
