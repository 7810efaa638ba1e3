package heartbeat

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const heartbeatsFileName = "heartbeats.json"

// ProcessStats is a resource sample of the agent's child process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Heartbeat is the latest status an agent published for the orchestrator.
type Heartbeat struct {
	AgentID       string        `json:"agent_id"`
	AgentName     string        `json:"agent_name"`
	Status        string        `json:"status"`
	CurrentTask   string        `json:"current_task,omitempty"`
	Progress      string        `json:"progress,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	Blockers      []string      `json:"blockers"`
	KeyDecisions  []string      `json:"key_decisions"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	SessionStart  time.Time     `json:"session_start"`
	Process       *ProcessStats `json:"process,omitempty"`
}

// Update carries the fields written by Board.Write. An empty Status means
// "active".
type Update struct {
	Status       string        `json:"status"`
	CurrentTask  string        `json:"current_task"`
	Progress     string        `json:"progress"`
	Summary      string        `json:"summary"`
	Blockers     []string      `json:"blockers"`
	KeyDecisions []string      `json:"key_decisions"`
	Process      *ProcessStats `json:"-"`
}

// Board is the shared heartbeats.json file. Writers hold an in-process
// mutex plus a flock on a sibling lock file, so other processes reading or
// hooking into the same directory see whole files only.
type Board struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewBoard(dir string) *Board {
	return &Board{dir: dir, now: time.Now}
}

func (b *Board) Dir() string {
	return b.dir
}

func (b *Board) Path() string {
	return filepath.Join(b.dir, heartbeatsFileName)
}

// All returns every heartbeat keyed by agent id. A missing file is an empty
// board.
func (b *Board) All() (map[string]Heartbeat, error) {
	data, err := os.ReadFile(b.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Heartbeat{}, nil
		}
		return nil, fmt.Errorf("reading heartbeats: %w", err)
	}
	beats := make(map[string]Heartbeat)
	if err := json.Unmarshal(data, &beats); err != nil {
		return nil, fmt.Errorf("parsing heartbeats: %w", err)
	}
	return beats, nil
}

// Write replaces the heartbeat for agentID, keeping its original
// session start.
func (b *Board) Write(agentID, agentName string, u Update) error {
	return b.modify(func(beats map[string]Heartbeat) bool {
		now := b.now().UTC()
		hb := Heartbeat{
			AgentID:       agentID,
			AgentName:     agentName,
			Status:        u.Status,
			CurrentTask:   u.CurrentTask,
			Progress:      u.Progress,
			Summary:       u.Summary,
			Blockers:      nonNil(u.Blockers),
			KeyDecisions:  nonNil(u.KeyDecisions),
			LastHeartbeat: now,
			SessionStart:  now,
			Process:       u.Process,
		}
		if hb.Status == "" {
			hb.Status = "active"
		}
		if prev, ok := beats[agentID]; ok && !prev.SessionStart.IsZero() {
			hb.SessionStart = prev.SessionStart
		}
		beats[agentID] = hb
		return true
	})
}

// UpdateStatus changes only the status of an existing heartbeat. Agents
// without a heartbeat are left alone.
func (b *Board) UpdateStatus(agentID, status string) error {
	return b.modify(func(beats map[string]Heartbeat) bool {
		hb, ok := beats[agentID]
		if !ok {
			return false
		}
		hb.Status = status
		hb.LastHeartbeat = b.now().UTC()
		beats[agentID] = hb
		return true
	})
}

func (b *Board) Clear(agentID string) error {
	return b.modify(func(beats map[string]Heartbeat) bool {
		if _, ok := beats[agentID]; !ok {
			return false
		}
		delete(beats, agentID)
		return true
	})
}

// modify runs fn over the current board under both locks and saves the
// result when fn reports a change. An unreadable board starts over empty.
func (b *Board) modify(fn func(map[string]Heartbeat) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("creating heartbeat dir: %w", err)
	}
	fl := flock.New(b.Path() + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking heartbeats: %w", err)
	}
	defer fl.Unlock()

	beats, err := b.All()
	if err != nil {
		log.Printf("heartbeat board unreadable, starting fresh: %v", err)
		beats = make(map[string]Heartbeat)
	}
	if !fn(beats) {
		return nil
	}
	return b.save(beats)
}

func (b *Board) save(beats map[string]Heartbeat) error {
	data, err := json.MarshalIndent(beats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling heartbeats: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(b.dir, ".heartbeats-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.Path()); err != nil {
		return fmt.Errorf("renaming heartbeats file: %w", err)
	}
	committed = true
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
