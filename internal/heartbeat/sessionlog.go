package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLog appends markdown entries to one file per agent per day under
// <dir>/sessions. Unforced entries are rate limited per agent.
type SessionLog struct {
	dir      string
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewSessionLog(dir string, interval time.Duration) *SessionLog {
	return &SessionLog{
		dir:      filepath.Join(dir, "sessions"),
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

func (l *SessionLog) Dir() string {
	return l.dir
}

func (l *SessionLog) Path(agentID string) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s-%s.md", agentID, l.now().Format("2006-01-02")))
}

// Append writes entry to today's log for agentID and reports whether it was
// written. Unless force is set, entries arriving within the log interval of
// the previous one are skipped.
func (l *SessionLog) Append(agentID, agentName, entry string, force bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !force {
		if last, ok := l.last[agentID]; ok && now.Sub(last) < l.interval {
			return false, nil
		}
		l.last[agentID] = now
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return false, fmt.Errorf("creating session log dir: %w", err)
	}

	path := l.Path(agentID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening session log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat session log: %w", err)
	}
	if info.Size() == 0 {
		header := fmt.Sprintf("# Session: %s\nDate: %s\nStarted: %s\n\n---\n\n",
			agentName, now.Format("2006-01-02"), now.Format("15:04"))
		if _, err := f.WriteString(header); err != nil {
			return false, fmt.Errorf("writing session log header: %w", err)
		}
	}
	if _, err := fmt.Fprintf(f, "\n**[%s]** %s\n", now.Format("15:04"), entry); err != nil {
		return false, fmt.Errorf("writing session log: %w", err)
	}
	return true, nil
}
