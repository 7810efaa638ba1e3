package terminal

import (
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"
)

// Sink receives session output. It runs on the session's reader goroutine
// and must not block.
type Sink func(data []byte)

type Options struct {
	ScrollbackBytes int
	ReadChunk       int
	PollTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ScrollbackBytes <= 0 {
		o.ScrollbackBytes = 50000
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = 4096
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 100 * time.Millisecond
	}
	return o
}

// Session is one agent process bound to a pty. Mutable fields are guarded
// by the owning Registry's mutex.
type Session struct {
	AgentID      string
	Cwd          string
	Model        string
	SystemPrompt string
	CreatedAt    time.Time

	proc       Process
	scrollback *Scrollback
	sink       Sink
	rows       uint16
	cols       uint16

	// emitMu orders scrollback appends with sink delivery so Attach can
	// hand a viewer the scrollback without losing or repeating a chunk.
	emitMu sync.Mutex
	done   chan struct{}
}

// Done is closed when the session's reader loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info is a read-only view of a session.
type Info struct {
	AgentID         string    `json:"agentId"`
	Cwd             string    `json:"cwd"`
	Model           string    `json:"model"`
	PID             int       `json:"pid"`
	Alive           bool      `json:"alive"`
	Rows            uint16    `json:"rows"`
	Cols            uint16    `json:"cols"`
	ScrollbackBytes int       `json:"scrollbackBytes"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Registry owns every live Session, at most one per agent id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	spawner  Spawner
	opts     Options
}

func NewRegistry(spawner Spawner, opts Options) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		spawner:  spawner,
		opts:     opts.withDefaults(),
	}
}

// Create spawns a new session for spec.AgentID, replacing any existing one.
func (r *Registry) Create(spec LaunchSpec, sink Sink) (*Session, error) {
	r.Kill(spec.AgentID)

	proc, err := r.spawner.Spawn(spec)
	if err != nil {
		var spawnErr *SpawnError
		if !errors.As(err, &spawnErr) {
			err = &SpawnError{AgentID: spec.AgentID, Err: err}
		}
		log.Printf("spawn failed for agent %s: %v", spec.AgentID, err)
		return nil, err
	}

	s := &Session{
		AgentID:      spec.AgentID,
		Cwd:          spec.Cwd,
		Model:        spec.Model,
		SystemPrompt: spec.SystemPrompt,
		CreatedAt:    time.Now(),
		proc:         proc,
		scrollback:   NewScrollback(r.opts.ScrollbackBytes),
		sink:         sink,
		rows:         spec.Rows,
		cols:         spec.Cols,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.sessions[spec.AgentID]
	r.sessions[spec.AgentID] = s
	r.mu.Unlock()

	// A concurrent Create won the race between our Kill and insert.
	if prev != nil {
		shutdown(prev)
	}

	go r.readLoop(s)

	log.Printf("created pty session for agent %s, pid=%d, size %dx%d", spec.AgentID, proc.Pid(), spec.Cols, spec.Rows)
	return s, nil
}

// Kill closes the session's device and signals its process. The process
// exit is not awaited.
func (r *Registry) Kill(agentID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[agentID]
	if ok {
		delete(r.sessions, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	shutdown(s)
	log.Printf("killed pty session for agent %s", agentID)
	return true
}

func shutdown(s *Session) {
	if err := s.proc.Close(); err != nil {
		log.Printf("close pty for agent %s: %v", s.AgentID, err)
	}
	if err := s.proc.Terminate(); err != nil {
		log.Printf("terminate agent %s: %v", s.AgentID, err)
	}
}

// KillAll kills every registered session and returns how many there were.
func (r *Registry) KillAll() int {
	n := 0
	for _, id := range r.ListActive() {
		if r.Kill(id) {
			n++
		}
	}
	return n
}

func (r *Registry) lookup(agentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

func (r *Registry) Has(agentID string) bool {
	_, ok := r.lookup(agentID)
	return ok
}

// Write forwards raw input to the agent process.
func (r *Registry) Write(agentID string, data []byte) bool {
	s, ok := r.lookup(agentID)
	if !ok {
		return false
	}
	if _, err := s.proc.Write(data); err != nil {
		log.Printf("write error for agent %s: %v", agentID, err)
		return false
	}
	return true
}

func (r *Registry) Resize(agentID string, rows, cols uint16) bool {
	s, ok := r.lookup(agentID)
	if !ok {
		return false
	}
	if err := s.proc.Resize(rows, cols); err != nil {
		log.Printf("resize error for agent %s: %v", agentID, err)
		return false
	}
	r.mu.Lock()
	s.rows, s.cols = rows, cols
	r.mu.Unlock()
	return true
}

// SetOutputSink replaces the session's sink. A nil sink discards output
// (it is still recorded in the scrollback).
func (r *Registry) SetOutputSink(agentID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[agentID]; ok {
		s.sink = sink
	}
}

// Attach rebinds the sink and passes the current scrollback to replay.
// No output chunk is appended or delivered while replay runs, so a viewer
// that starts receiving live output from sink after replay sees each byte
// exactly once. replay must not block.
func (r *Registry) Attach(agentID string, sink Sink, replay func(scrollback []byte, rows, cols uint16)) bool {
	s, ok := r.lookup(agentID)
	if !ok {
		return false
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	r.mu.Lock()
	if r.sessions[agentID] != s {
		r.mu.Unlock()
		return false
	}
	s.sink = sink
	data := s.scrollback.Bytes()
	rows, cols := s.rows, s.cols
	r.mu.Unlock()

	if replay != nil {
		replay(data, rows, cols)
	}
	return true
}

func (r *Registry) Scrollback(agentID string) []byte {
	data, _, _ := r.ScrollbackWithSize(agentID)
	return data
}

// ScrollbackWithSize returns the scrollback together with the terminal size
// it was produced at. Unknown agents yield an empty buffer at 80x24.
func (r *Registry) ScrollbackWithSize(agentID string) ([]byte, uint16, uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[agentID]
	if !ok {
		return nil, 24, 80
	}
	return s.scrollback.Bytes(), s.rows, s.cols
}

// IsAlive probes the agent process without blocking.
func (r *Registry) IsAlive(agentID string) bool {
	s, ok := r.lookup(agentID)
	if !ok {
		return false
	}
	return s.proc.Alive()
}

func (r *Registry) Pid(agentID string) (int, bool) {
	s, ok := r.lookup(agentID)
	if !ok {
		return 0, false
	}
	return s.proc.Pid(), true
}

// ListActive returns the registered agent ids in sorted order.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Info(agentID string) (Info, bool) {
	r.mu.Lock()
	s, ok := r.sessions[agentID]
	if !ok {
		r.mu.Unlock()
		return Info{}, false
	}
	info := Info{
		AgentID:         s.AgentID,
		Cwd:             s.Cwd,
		Model:           s.Model,
		Rows:            s.rows,
		Cols:            s.cols,
		ScrollbackBytes: s.scrollback.Len(),
		CreatedAt:       s.CreatedAt,
	}
	proc := s.proc
	r.mu.Unlock()

	info.PID = proc.Pid()
	info.Alive = proc.Alive()
	return info, true
}

func (r *Registry) current(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.AgentID] == s
}

// readLoop pumps pty output into the scrollback and the sink until the
// device reports EOF or an error, or the session is no longer registered.
// It never unregisters the session itself.
func (r *Registry) readLoop(s *Session) {
	defer close(s.done)

	buf := make([]byte, r.opts.ReadChunk)
	for {
		if !r.current(s) {
			return
		}

		n, err := s.proc.Read(buf, r.opts.PollTimeout)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !r.emit(s, data) {
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Printf("pty EOF for agent %s", s.AgentID)
			case errors.Is(err, ErrClosed):
			default:
				log.Printf("pty read error for agent %s: %v", s.AgentID, err)
			}
			return
		}
	}
}

func (r *Registry) emit(s *Session, data []byte) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	r.mu.Lock()
	if r.sessions[s.AgentID] != s {
		r.mu.Unlock()
		return false
	}
	s.scrollback.Append(data)
	sink := s.sink
	r.mu.Unlock()

	if sink != nil {
		deliver(s.AgentID, sink, data)
	}
	return true
}

func deliver(agentID string, sink Sink, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("output sink panic for agent %s: %v", agentID, p)
		}
	}()
	sink(data)
}
