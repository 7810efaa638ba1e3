package ws

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-chat/backend/internal/agents"
	"github.com/agent-chat/backend/internal/terminal"
	"github.com/gorilla/websocket"
)

type fakeProcess struct {
	pid    int
	out    chan []byte
	exited chan struct{}

	mu         sync.Mutex
	input      bytes.Buffer
	rows, cols uint16
	closed     bool
	exitOnce   sync.Once
}

func (p *fakeProcess) Read(buf []byte, timeout time.Duration) (int, error) {
	select {
	case data := <-p.out:
		return copy(buf, data), nil
	case <-p.exited:
		return 0, io.EOF
	case <-time.After(timeout):
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return 0, terminal.ErrClosed
		}
		return 0, nil
	}
}

func (p *fakeProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(data)
}

func (p *fakeProcess) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows, p.cols = rows, cols
	return nil
}

func (p *fakeProcess) Terminate() error {
	p.exitOnce.Do(func() { close(p.exited) })
	return nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

type fakeSpawner struct {
	mu    sync.Mutex
	specs []terminal.LaunchSpec
	procs []*fakeProcess
	err   error

	// greeting, when set, is the first output of every spawned process.
	greeting []byte
}

func (s *fakeSpawner) Spawn(spec terminal.LaunchSpec) (terminal.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, &terminal.SpawnError{AgentID: spec.AgentID, Command: "fake", Err: s.err}
	}
	p := &fakeProcess{
		pid:    1000 + len(s.procs),
		out:    make(chan []byte, 64),
		exited: make(chan struct{}),
		rows:   spec.Rows,
		cols:   spec.Cols,
	}
	if len(s.greeting) > 0 {
		p.out <- append([]byte(nil), s.greeting...)
	}
	s.specs = append(s.specs, spec)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last(t *testing.T) (*fakeProcess, terminal.LaunchSpec) {
	t.Helper()
	waitFor(t, "spawn", func() bool { return s.count() > 0 })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1], s.specs[len(s.specs)-1]
}

type fakeDirectory struct {
	mu     sync.Mutex
	agents map[string]*agents.Agent
}

func (d *fakeDirectory) Get(_ context.Context, id string) (*agents.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return nil, agents.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

type fakePreambles struct{}

func (fakePreambles) WorkerPreamble() string       { return "WORKER" }
func (fakePreambles) OrchestratorPreamble() string { return "ORCHESTRATOR" }

type fakeJournal struct {
	mu       sync.Mutex
	offered  map[string]string
	started  []string
	statuses map[string]string
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{offered: make(map[string]string), statuses: make(map[string]string)}
}

func (j *fakeJournal) Offer(id, _ string, data []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.offered[id] += string(data)
}

func (j *fakeJournal) SessionStarted(id, _, _ string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, id)
}

func (j *fakeJournal) UpdateStatus(id, status string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses[id] = status
}

func (j *fakeJournal) snapshot(id string) (offered string, started int, status string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range j.started {
		if s == id {
			started++
		}
	}
	return j.offered[id], started, j.statuses[id]
}

type recordingStatus struct {
	mu     sync.Mutex
	status map[string]agents.Status
	notify map[string]agents.Notification
}

func newRecordingStatus() *recordingStatus {
	return &recordingStatus{status: make(map[string]agents.Status), notify: make(map[string]agents.Notification)}
}

func (r *recordingStatus) SetStatus(id string, s agents.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[id] = s
}

func (r *recordingStatus) SetNotification(id string, n agents.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify[id] = n
}

func (r *recordingStatus) ClearNotification(id string) {
	r.SetNotification(id, agents.NotifyNone)
}

func (r *recordingStatus) get(id string) agents.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dial(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpURL, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	return string(data)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if ce.Code != code || ce.Text != reason {
		t.Errorf("close = %d %q, want %d %q", ce.Code, ce.Text, code, reason)
	}
}

// newConnPair returns the server and client ends of one websocket.
func newConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch <- c
	}))
	t.Cleanup(srv.Close)

	cli := dial(t, srv.URL, "/")
	select {
	case s := <-ch:
		t.Cleanup(func() { s.Close() })
		return s, cli
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket never arrived")
	}
	return nil, nil
}
