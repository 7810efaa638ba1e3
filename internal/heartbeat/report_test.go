package heartbeat

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestFindReports(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		want     []string // summaries
		consumed bool
	}{
		{"none", "just some output\n$ ", nil, false},
		{"inline", `done. {"type":"REPORT","summary":"api merged"} next`, []string{"api merged"}, true},
		{"inline spaced lowercase type", `{"type": "report", "summary": "ok"}`, []string{"ok"}, true},
		{
			"fenced multi-line",
			"```json\n{\n  \"type\": \"REPORT\",\n  \"summary\": \"schema done\",\n  \"blockers\": [\"review\"]\n}\n```",
			[]string{"schema done"},
			true,
		},
		{
			"fenced single line not doubled",
			"```json\n{\"type\": \"REPORT\", \"summary\": \"once\"}\n```",
			[]string{"once"},
			true,
		},
		{"invalid json", `{"type":"REPORT","summary":oops}`, nil, false},
		{
			"two reports",
			`{"type":"REPORT","summary":"a"} then {"type":"REPORT","summary":"b"}`,
			[]string{"a", "b"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reports, consumed := FindReports(tt.text)
			var got []string
			for _, r := range reports {
				got = append(got, r.Summary)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("summaries = %v, want %v", got, tt.want)
			}
			if (consumed > 0) != tt.consumed {
				t.Errorf("consumed = %d, want >0: %v", consumed, tt.consumed)
			}
		})
	}
}

func TestReportLogEntry(t *testing.T) {
	r := Report{Summary: "s", Progress: "50%", CurrentTask: "t", KeyDecisions: []string{"k1", "k2"}, Blockers: []string{"b"}}
	want := "**REPORT**: s | Progress: 50% | Task: t\n- Decisions: k1, k2\n- Blockers: b"
	if got := r.LogEntry(); got != want {
		t.Errorf("LogEntry() = %q, want %q", got, want)
	}
	if got := (Report{}).LogEntry(); got != "**REPORT**: No summary" {
		t.Errorf("empty LogEntry() = %q", got)
	}
}

func newTestScanner(t *testing.T) (*Scanner, *Board, *SessionLog) {
	dir := t.TempDir()
	board := NewBoard(dir)
	sl := NewSessionLog(dir, 0)
	return NewScanner(board, sl, 8), board, sl
}

func TestScannerStripsEscapesAndWritesHeartbeat(t *testing.T) {
	s, board, sl := newTestScanner(t)

	text := "\x1b[1m{\"type\":\"REPORT\",\"summary\":\"built\",\"progress\":\"80%\"}\x1b[0m\r\n"
	if n := s.Scan("a1", "Builder", text); n != 1 {
		t.Fatalf("Scan() = %d, want 1", n)
	}

	beats, _ := board.All()
	hb := beats["a1"]
	if hb.Status != "active" || hb.Summary != "built" || hb.Progress != "80%" {
		t.Errorf("heartbeat = %+v", hb)
	}
	data, err := os.ReadFile(sl.Path("a1"))
	if err != nil {
		t.Fatalf("session log: %v", err)
	}
	if !strings.Contains(string(data), "**REPORT**: built | Progress: 80%") {
		t.Errorf("session log missing report:\n%s", data)
	}
}

func TestScannerJoinsSplitChunks(t *testing.T) {
	s, board, _ := newTestScanner(t)

	if n := s.Scan("a1", "A", `noise {"type":"REPORT","summ`); n != 0 {
		t.Fatalf("first half Scan() = %d, want 0", n)
	}
	if n := s.Scan("a1", "A", `ary":"split"} tail`); n != 1 {
		t.Fatalf("second half Scan() = %d, want 1", n)
	}
	if n := s.Scan("a1", "A", " more output"); n != 0 {
		t.Errorf("report counted twice: Scan() = %d", n)
	}
	beats, _ := board.All()
	if beats["a1"].Summary != "split" {
		t.Errorf("Summary = %q, want split", beats["a1"].Summary)
	}
}

func TestScannerCarryIsBounded(t *testing.T) {
	s, _, _ := newTestScanner(t)
	s.Scan("a1", "A", strings.Repeat("é", maxCarry))
	if got := len(s.carry["a1"]); got > maxCarry {
		t.Errorf("carry = %d bytes, want <= %d", got, maxCarry)
	}
	if !strings.HasPrefix(s.carry["a1"], "é") {
		t.Error("carry was cut inside a rune")
	}
}

func TestScannerOfferAndRun(t *testing.T) {
	s, board, _ := newTestScanner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Offer("a1", "A", []byte("\xff\xfe{\"type\":\"REPORT\",\"summary\":\"async\"}"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		beats, _ := board.All()
		if beats["a1"].Summary == "async" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("offered report never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScannerOfferNeverBlocks(t *testing.T) {
	s, _, _ := newTestScanner(t)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Offer("a1", "A", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Offer blocked with no consumer")
	}
}
