package heartbeat

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestSessionLogHeaderAndRateLimit(t *testing.T) {
	l := NewSessionLog(t.TempDir(), 30*time.Second)
	now := time.Date(2026, 3, 1, 9, 15, 0, 0, time.Local)
	l.now = func() time.Time { return now }

	steps := []struct {
		advance time.Duration
		entry   string
		force   bool
		want    bool
	}{
		{0, "first", false, true},
		{10 * time.Second, "too soon", false, false},
		{0, "forced", true, true},
		{25 * time.Second, "after interval", false, true},
	}
	for _, s := range steps {
		now = now.Add(s.advance)
		got, err := l.Append("a1", "Builder", s.entry, s.force)
		if err != nil {
			t.Fatalf("Append(%q) error: %v", s.entry, err)
		}
		if got != s.want {
			t.Errorf("Append(%q) = %v, want %v", s.entry, got, s.want)
		}
	}

	if !strings.HasSuffix(l.Path("a1"), "a1-2026-03-01.md") {
		t.Errorf("Path() = %q", l.Path("a1"))
	}
	data, err := os.ReadFile(l.Path("a1"))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "# Session: Builder\nDate: 2026-03-01\nStarted: 09:15\n") {
		t.Errorf("missing header:\n%s", text)
	}
	if strings.Count(text, "# Session:") != 1 {
		t.Error("header written more than once")
	}
	for _, want := range []string{"**[09:15]** first", "forced", "after interval"} {
		if !strings.Contains(text, want) {
			t.Errorf("log missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "too soon") {
		t.Error("rate-limited entry was written")
	}
}

func TestSessionLogPerAgentLimit(t *testing.T) {
	l := NewSessionLog(t.TempDir(), time.Minute)
	if ok, _ := l.Append("a1", "A", "x", false); !ok {
		t.Fatal("first entry for a1 skipped")
	}
	if ok, _ := l.Append("a2", "B", "y", false); !ok {
		t.Error("a2 limited by a1's entry")
	}
}
