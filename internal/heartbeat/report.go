package heartbeat

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

var (
	inlineReport = regexp.MustCompile(`(?i)\{"type"\s*:\s*"REPORT"[^}]*\}`)
	fencedReport = regexp.MustCompile("(?is)```json\\s*(\\{[^`]*\"type\"\\s*:\\s*\"REPORT\"[^`]*\\})\\s*```")
)

// maxCarry bounds the unmatched text kept per agent so a report split
// across output chunks is still found.
const maxCarry = 4096

// Report is a structured status update an agent prints into its terminal.
type Report struct {
	Type         string   `json:"type"`
	Summary      string   `json:"summary"`
	Progress     string   `json:"progress"`
	CurrentTask  string   `json:"current_task"`
	Blockers     []string `json:"blockers"`
	KeyDecisions []string `json:"key_decisions"`
}

// LogEntry renders the report as a session log line.
func (r Report) LogEntry() string {
	summary := r.Summary
	if summary == "" {
		summary = "No summary"
	}
	var b strings.Builder
	b.WriteString("**REPORT**: ")
	b.WriteString(summary)
	if r.Progress != "" {
		b.WriteString(" | Progress: " + r.Progress)
	}
	if r.CurrentTask != "" {
		b.WriteString(" | Task: " + r.CurrentTask)
	}
	if len(r.KeyDecisions) > 0 {
		b.WriteString("\n- Decisions: " + strings.Join(r.KeyDecisions, ", "))
	}
	if len(r.Blockers) > 0 {
		b.WriteString("\n- Blockers: " + strings.Join(r.Blockers, ", "))
	}
	return b.String()
}

type reportMatch struct {
	start, end int
	body       string
}

// FindReports returns the reports in text in order of appearance, and the
// offset just past the last one (0 when none matched).
func FindReports(text string) ([]Report, int) {
	var matches []reportMatch
	for _, loc := range fencedReport.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, reportMatch{start: loc[0], end: loc[1], body: text[loc[2]:loc[3]]})
	}
	for _, loc := range inlineReport.FindAllStringIndex(text, -1) {
		matches = append(matches, reportMatch{start: loc[0], end: loc[1], body: text[loc[0]:loc[1]]})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	var reports []Report
	consumed := 0
	for _, m := range matches {
		if m.start < consumed {
			continue // inline match inside a fenced block already handled
		}
		var r Report
		if err := json.Unmarshal([]byte(m.body), &r); err != nil {
			continue
		}
		if !strings.EqualFold(r.Type, "REPORT") {
			continue
		}
		reports = append(reports, r)
		consumed = m.end
	}
	return reports, consumed
}

type chunk struct {
	agentID   string
	agentName string
	text      string
}

// Scanner extracts REPORT blocks from worker terminal output and records
// them on the board and in the session log. Offer never blocks; the
// parsing runs on the Run goroutine.
type Scanner struct {
	board *Board
	log   *SessionLog
	queue chan chunk
	carry map[string]string

	mu          sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

func NewScanner(board *Board, sessionLog *SessionLog, size int) *Scanner {
	if size <= 0 {
		size = 256
	}
	return &Scanner{
		board: board,
		log:   sessionLog,
		queue: make(chan chunk, size),
		carry: make(map[string]string),
	}
}

// Offer queues a chunk of raw output. Invalid UTF-8 is dropped.
func (s *Scanner) Offer(agentID, agentName string, data []byte) {
	if len(data) == 0 {
		return
	}
	c := chunk{agentID: agentID, agentName: agentName, text: strings.ToValidUTF8(string(data), "")}
	select {
	case s.queue <- c:
	default:
		s.mu.Lock()
		s.dropped++
		now := time.Now()
		if s.lastDropLog.IsZero() || now.Sub(s.lastDropLog) >= 10*time.Second {
			log.Printf("report scanner dropped %d chunks (queue full)", s.dropped)
			s.dropped = 0
			s.lastDropLog = now
		}
		s.mu.Unlock()
	}
}

func (s *Scanner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.queue:
			s.Scan(c.agentID, c.agentName, c.text)
		}
	}
}

// Scan processes one decoded chunk and returns how many reports it
// recorded. It is not safe for concurrent use; Run is its only caller
// outside tests.
func (s *Scanner) Scan(agentID, agentName, text string) int {
	window := s.carry[agentID] + ansi.Strip(text)
	reports, consumed := FindReports(window)

	for _, r := range reports {
		err := s.board.Write(agentID, agentName, Update{
			Status:       "active",
			CurrentTask:  r.CurrentTask,
			Progress:     r.Progress,
			Summary:      r.Summary,
			Blockers:     r.Blockers,
			KeyDecisions: r.KeyDecisions,
		})
		if err != nil {
			log.Printf("heartbeat write for %s failed: %v", agentID, err)
		}
		if _, err := s.log.Append(agentID, agentName, r.LogEntry(), false); err != nil {
			log.Printf("session log for %s failed: %v", agentID, err)
		}
		log.Printf("report from %s: %s", agentName, r.Summary)
	}

	rest := window[consumed:]
	if len(rest) > maxCarry {
		cut := len(rest) - maxCarry
		for cut < len(rest) && !utf8.RuneStart(rest[cut]) {
			cut++
		}
		rest = rest[cut:]
	}
	if rest == "" {
		delete(s.carry, agentID)
	} else {
		s.carry[agentID] = rest
	}
	return len(reports)
}
