package heartbeat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SessionSource is the view of the terminal registry the heartbeat timer
// needs.
type SessionSource interface {
	IsAlive(agentID string) bool
	Pid(agentID string) (int, bool)
}

// Service ties the board, session log and report scanner together for the
// terminal gateway and the REST API.
type Service struct {
	board    *Board
	log      *SessionLog
	scanner  *Scanner
	interval time.Duration
	stats    func(pid int) *ProcessStats

	mu      sync.Mutex
	workers map[string]string // agent id -> name, for sessions started as workers
}

func NewService(dir string, interval, logInterval time.Duration) *Service {
	board := NewBoard(dir)
	sessionLog := NewSessionLog(dir, logInterval)
	return &Service{
		board:    board,
		log:      sessionLog,
		scanner:  NewScanner(board, sessionLog, 256),
		interval: interval,
		stats:    sampleProcess,
		workers:  make(map[string]string),
	}
}

func (s *Service) Board() *Board {
	return s.board
}

func (s *Service) WorkerPreamble() string {
	return WorkerPreamble()
}

func (s *Service) OrchestratorPreamble() string {
	return OrchestratorPreamble(s.board, s.log.Dir())
}

// Offer hands a chunk of worker output to the report scanner.
func (s *Service) Offer(agentID, agentName string, data []byte) {
	s.scanner.Offer(agentID, agentName, data)
}

// SessionStarted records a fresh worker session on the board and opens its
// session log.
func (s *Service) SessionStarted(agentID, agentName, cwd string) {
	s.mu.Lock()
	s.workers[agentID] = agentName
	s.mu.Unlock()

	if err := s.board.Write(agentID, agentName, Update{Status: "online", CurrentTask: "Session started"}); err != nil {
		log.Printf("heartbeat for %s failed: %v", agentID, err)
	}
	entry := fmt.Sprintf("Session started. Working directory: `%s`", cwd)
	if _, err := s.log.Append(agentID, agentName, entry, true); err != nil {
		log.Printf("session log for %s failed: %v", agentID, err)
	}
}

// SessionEnded stops the periodic heartbeat for agentID and marks it
// offline.
func (s *Service) SessionEnded(agentID string) {
	s.mu.Lock()
	delete(s.workers, agentID)
	s.mu.Unlock()
	s.UpdateStatus(agentID, "offline")
}

func (s *Service) UpdateStatus(agentID, status string) {
	if err := s.board.UpdateStatus(agentID, status); err != nil {
		log.Printf("heartbeat status for %s failed: %v", agentID, err)
	}
}

// Record stores a heartbeat pushed by an agent hook and logs its task.
func (s *Service) Record(agentID, agentName string, u Update) error {
	if err := s.board.Write(agentID, agentName, u); err != nil {
		return err
	}
	if u.CurrentTask != "" {
		if _, err := s.log.Append(agentID, agentName, u.CurrentTask, false); err != nil {
			log.Printf("session log for %s failed: %v", agentID, err)
		}
	}
	return nil
}

func (s *Service) Heartbeats() (map[string]Heartbeat, error) {
	return s.board.All()
}

func (s *Service) Briefing() (string, error) {
	beats, err := s.board.All()
	if err != nil {
		return "", err
	}
	return Briefing(beats, time.Now()), nil
}

// Run drives the report scanner and the heartbeat timer until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context, sessions SessionSource) {
	go s.scanner.Run(ctx)

	interval := s.interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(sessions)
		}
	}
}

// Tick writes an active heartbeat for every live worker session.
func (s *Service) Tick(sessions SessionSource) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	names := make(map[string]string, len(s.workers))
	for id, name := range s.workers {
		names[id] = name
	}
	s.mu.Unlock()
	sort.Strings(ids)

	written := 0
	for _, id := range ids {
		if s.tickOne(sessions, id, names[id]) {
			written++
		}
	}
	return written
}

func (s *Service) tickOne(sessions SessionSource, agentID, name string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("heartbeat timer panic for %s: %v", agentID, r)
			ok = false
		}
	}()

	if !sessions.IsAlive(agentID) {
		return false
	}
	u := Update{Status: "active", CurrentTask: "Working..."}
	if pid, found := sessions.Pid(agentID); found && s.stats != nil {
		u.Process = s.stats(pid)
	}
	if err := s.board.Write(agentID, name, u); err != nil {
		log.Printf("heartbeat timer: %s: %v", agentID, err)
		return false
	}
	log.Printf("heartbeat timer: updated %s", agentID)
	return true
}

func sampleProcess(pid int) *ProcessStats {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	stats := &ProcessStats{PID: pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}
