package term

import (
	"regexp"
	"strings"
	"sync"

	"github.com/droverhq/drover/pkg/types"
)

// regexPrefix marks a marker string as a regular expression rather than
// a literal substring.
const regexPrefix = "re:"

// tailWindow bounds how much of a capture the classifier inspects.
const tailWindow = 2048

type marker struct {
	literal string
	re      *regexp.Regexp
}

func compileMarkers(raw []string) ([]marker, error) {
	markers := make([]marker, 0, len(raw))
	for _, s := range raw {
		if rest, ok := strings.CutPrefix(s, regexPrefix); ok {
			re, err := regexp.Compile(rest)
			if err != nil {
				return nil, err
			}
			markers = append(markers, marker{re: re})
			continue
		}
		markers = append(markers, marker{literal: s})
	}
	return markers, nil
}

func (m marker) matches(tail string) bool {
	if m.re != nil {
		return m.re.MatchString(tail)
	}
	return strings.Contains(tail, m.literal)
}

type markerSet struct {
	idle    []marker
	busy    []marker
	waiting []marker
}

// Classifier decides idle/busy from pane output using per-session
// registered marker tuples. Busy markers win over idle markers; no
// match at all yields unknown.
type Classifier struct {
	mu       sync.RWMutex
	sessions map[string]markerSet
}

// NewClassifier creates an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{sessions: make(map[string]markerSet)}
}

// Register installs the marker tuple for a session. Markers prefixed
// with "re:" are compiled as regular expressions.
func (c *Classifier) Register(session string, idle, busy, waiting []string) error {
	idleMarkers, err := compileMarkers(idle)
	if err != nil {
		return err
	}
	busyMarkers, err := compileMarkers(busy)
	if err != nil {
		return err
	}
	waitingMarkers, err := compileMarkers(waiting)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session] = markerSet{idle: idleMarkers, busy: busyMarkers, waiting: waitingMarkers}
	return nil
}

// Unregister drops a session's markers.
func (c *Classifier) Unregister(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, session)
}

// Classify inspects the tail of a capture and reports the session state.
func (c *Classifier) Classify(session string, capture []byte) types.SessionStatus {
	c.mu.RLock()
	set, ok := c.sessions[session]
	c.mu.RUnlock()
	if !ok {
		return types.SessionUnknown
	}

	tail := string(capture)
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}

	for _, m := range set.busy {
		if m.matches(tail) {
			return types.SessionBusy
		}
	}
	for _, m := range set.waiting {
		if m.matches(tail) {
			return types.SessionWaitingInput
		}
	}
	for _, m := range set.idle {
		if m.matches(tail) {
			return types.SessionIdle
		}
	}
	return types.SessionUnknown
}
