package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agent-chat/backend/internal/agents"
)

// State is the derived activity of one agent's terminal.
type State int

const (
	Idle State = iota
	Waiting
	Busy
	Attention
	Done
)

var stateNames = map[State]string{
	Idle:      "idle",
	Waiting:   "waiting",
	Busy:      "busy",
	Attention: "attention",
	Done:      "done",
}

var stateFromName = map[string]State{
	"idle":      Idle,
	"waiting":   Waiting,
	"busy":      Busy,
	"attention": Attention,
	"done":      Done,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

const bell = 0x07

// StatusSink receives displayed status and notification changes. Calls are
// fire-and-forget.
type StatusSink interface {
	SetStatus(agentID string, status agents.Status)
	SetNotification(agentID string, n agents.Notification)
	ClearNotification(agentID string)
}

type agentState struct {
	waiting      bool
	wasBusy      bool
	lastOutput   time.Time
	status       agents.Status
	notification agents.Notification
}

func (a *agentState) derive() State {
	switch {
	case a.notification == agents.NotifyAttention:
		return Attention
	case a.wasBusy:
		return Busy
	case a.notification == agents.NotifyDone:
		return Done
	case a.waiting:
		return Waiting
	}
	return Idle
}

// Snapshot is a point-in-time copy of one agent's activity.
type Snapshot struct {
	AgentID      string              `json:"agentId"`
	State        State               `json:"state"`
	Waiting      bool                `json:"waiting"`
	WasBusy      bool                `json:"wasBusy"`
	Status       agents.Status       `json:"status,omitempty"`
	Notification agents.Notification `json:"notification,omitempty"`
	LastOutput   time.Time           `json:"lastOutput,omitempty"`
}

// change is a sink call computed under the state lock and delivered after
// it is released.
type change struct {
	agentID      string
	status       agents.Status
	notification *agents.Notification
}

// Tracker turns the raw input and output streams of each terminal into a
// busy/done/attention signal. Output only counts once a line-terminated
// input has armed the agent, which filters prompt redraws and banners.
type Tracker struct {
	sink          StatusSink
	idleThreshold time.Duration
	now           func() time.Time

	// emitMu keeps sink calls in the order their state changes happened.
	emitMu sync.Mutex
	mu     sync.Mutex
	agents map[string]*agentState
}

func NewTracker(sink StatusSink, idleThreshold time.Duration) *Tracker {
	if idleThreshold <= 0 {
		idleThreshold = 5 * time.Second
	}
	return &Tracker{
		sink:          sink,
		idleThreshold: idleThreshold,
		now:           time.Now,
		agents:        make(map[string]*agentState),
	}
}

func (t *Tracker) get(agentID string) *agentState {
	a, ok := t.agents[agentID]
	if !ok {
		a = &agentState{}
		t.agents[agentID] = a
	}
	return a
}

// Input records client keystrokes. A carriage return or newline arms the
// agent; the flag survives busy and done so a resumed burst is attributed
// to the same turn.
func (t *Tracker) Input(agentID string, data []byte) {
	if !bytes.ContainsAny(data, "\r\n") {
		return
	}
	t.mu.Lock()
	t.get(agentID).waiting = true
	t.mu.Unlock()
}

// Output records a chunk of terminal output.
func (t *Tracker) Output(agentID string, data []byte) {
	if len(data) == 0 {
		return
	}
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok || !a.waiting {
		t.mu.Unlock()
		return
	}
	a.lastOutput = t.now()
	a.wasBusy = true

	var changes []change
	if a.status != agents.StatusBusy {
		a.status = agents.StatusBusy
		changes = append(changes, change{agentID: agentID, status: agents.StatusBusy})
	}
	next := agents.NotifyNone
	if bytes.IndexByte(data, bell) >= 0 {
		next = agents.NotifyAttention
	}
	if a.notification != next {
		a.notification = next
		changes = append(changes, change{agentID: agentID, notification: &next})
	}
	t.mu.Unlock()

	t.publish(changes)
}

// Sweep marks agents whose output has been quiet for longer than the idle
// threshold as done. A pending attention notification is left alone.
func (t *Tracker) Sweep() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	now := t.now()
	var changes []change

	t.mu.Lock()
	for id, a := range t.agents {
		if !a.wasBusy || a.notification == agents.NotifyAttention {
			continue
		}
		if now.Sub(a.lastOutput) <= t.idleThreshold {
			continue
		}
		a.wasBusy = false
		a.status = agents.StatusOnline
		a.notification = agents.NotifyDone
		done := agents.NotifyDone
		changes = append(changes,
			change{agentID: id, notification: &done},
			change{agentID: id, status: agents.StatusOnline},
		)
	}
	t.mu.Unlock()

	t.publish(changes)
}

// Reset returns an agent to a clean baseline, used when a viewer rebinds to
// an existing session or a new session starts.
func (t *Tracker) Reset(agentID string) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	a := t.get(agentID)
	a.waiting = false
	a.wasBusy = false
	a.lastOutput = time.Time{}
	a.status = agents.StatusOnline
	a.notification = agents.NotifyNone
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.ClearNotification(agentID)
		t.sink.SetStatus(agentID, agents.StatusOnline)
	}
}

// SetIdle records that nobody is watching the agent any more.
func (t *Tracker) SetIdle(agentID string) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if a, ok := t.agents[agentID]; ok {
		a.status = agents.StatusIdle
	}
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.SetStatus(agentID, agents.StatusIdle)
	}
}

func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	delete(t.agents, agentID)
	t.mu.Unlock()
}

func (t *Tracker) State(agentID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.agents[agentID]; ok {
		return a.derive()
	}
	return Idle
}

func (t *Tracker) Snapshot(agentID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{AgentID: agentID}
	if a, ok := t.agents[agentID]; ok {
		snap.State = a.derive()
		snap.Waiting = a.waiting
		snap.WasBusy = a.wasBusy
		snap.Status = a.status
		snap.Notification = a.notification
		snap.LastOutput = a.lastOutput
	}
	return snap
}

// Run sweeps on every tick until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *Tracker) publish(changes []change) {
	if t.sink == nil {
		return
	}
	for _, c := range changes {
		switch {
		case c.notification != nil && *c.notification == agents.NotifyNone:
			t.sink.ClearNotification(c.agentID)
		case c.notification != nil:
			t.sink.SetNotification(c.agentID, *c.notification)
		default:
			t.sink.SetStatus(c.agentID, c.status)
		}
	}
}
