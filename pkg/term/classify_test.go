package term

import (
	"strings"
	"testing"

	"github.com/droverhq/drover/pkg/types"
)

func TestClassifyMarkerPrecedence(t *testing.T) {
	c := NewClassifier()
	if err := c.Register("s1",
		[]string{"❯"},
		[]string{"esc to interrupt"},
		[]string{"re:\\(y/n\\)"},
	); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name    string
		capture string
		want    types.SessionStatus
	}{
		{"idle prompt", "done\n❯ ", types.SessionIdle},
		{"busy wins over idle", "❯ working... esc to interrupt", types.SessionBusy},
		{"waiting regex", "overwrite file? (y/n)", types.SessionWaitingInput},
		{"waiting wins over idle", "❯ proceed? (y/n)", types.SessionWaitingInput},
		{"nothing matches", "plain output", types.SessionUnknown},
	}
	for _, tt := range tests {
		if got := c.Classify("s1", []byte(tt.capture)); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestClassifyUnknownSession(t *testing.T) {
	c := NewClassifier()
	if got := c.Classify("nobody", []byte("❯ ")); got != types.SessionUnknown {
		t.Fatalf("unregistered session classified as %s", got)
	}
}

func TestClassifyInspectsTailOnly(t *testing.T) {
	c := NewClassifier()
	if err := c.Register("s1", []string{"READY"}, nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The marker sits outside the inspected tail window.
	capture := "READY" + strings.Repeat("x", tailWindow+10)
	if got := c.Classify("s1", []byte(capture)); got != types.SessionUnknown {
		t.Fatalf("marker outside tail window matched: %s", got)
	}

	capture = strings.Repeat("x", tailWindow) + "READY"
	if got := c.Classify("s1", []byte(capture)); got != types.SessionIdle {
		t.Fatalf("marker inside tail window missed: %s", got)
	}
}

func TestRegisterRejectsBadRegex(t *testing.T) {
	c := NewClassifier()
	if err := c.Register("s1", []string{"re:["}, nil, nil); err == nil {
		t.Fatal("invalid regex accepted")
	}
}

func TestANSIStripping(t *testing.T) {
	raw := "\x1b[31mred\x1b[0m text \x1b]0;title\x07tail\x08"
	cleaned := ansiRE.ReplaceAllString(raw, "")
	if cleaned != "red text tail" {
		t.Fatalf("got %q", cleaned)
	}
}

func TestUnregister(t *testing.T) {
	c := NewClassifier()
	if err := c.Register("s1", []string{"❯"}, nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Unregister("s1")
	if got := c.Classify("s1", []byte("❯ ")); got != types.SessionUnknown {
		t.Fatalf("unregistered session still classified: %s", got)
	}
}
