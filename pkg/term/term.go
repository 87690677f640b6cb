package term

import (
	"context"
)

// Key is a named key injectable into a pane
type Key string

const (
	KeyEnter  Key = "enter"
	KeyEscape Key = "escape"
	// Decimal digits "0".."9" are also accepted by SendKey.
)

// ProviderMarkers are the idle/busy/waiting output patterns for one
// provider's workers, in the classifier's marker syntax.
type ProviderMarkers struct {
	Idle    []string
	Busy    []string
	Waiting []string
}

// Pane describes one multiplexer session
type Pane struct {
	Name     string
	Attached bool
}

// Multiplexer turns a named terminal pane into a small capability:
// inject keystrokes, scrape output, enumerate panes. The concrete
// multiplexer (tmux) is an external collaborator.
type Multiplexer interface {
	// SendText appends characters to the pane's standard input.
	SendText(ctx context.Context, session, text string) error

	// SendKey injects a single named key.
	SendKey(ctx context.Context, session string, key Key) error

	// Capture returns the most recent maxBytes of scrollback plus live
	// screen, control sequences stripped.
	Capture(ctx context.Context, session string, maxBytes int) ([]byte, error)

	// List returns all known pane names and their attached state.
	List(ctx context.Context) ([]Pane, error)
}
