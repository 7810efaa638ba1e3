package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agent-chat/backend/internal/agents"
	"github.com/agent-chat/backend/internal/terminal"
	"github.com/gorilla/websocket"
)

// AgentDirectory resolves agent records.
type AgentDirectory interface {
	Get(ctx context.Context, id string) (*agents.Agent, error)
}

// ActivityTracker consumes terminal traffic to derive busy/done/attention.
type ActivityTracker interface {
	Input(agentID string, data []byte)
	Output(agentID string, data []byte)
	Reset(agentID string)
	SetIdle(agentID string)
}

// Preambles supplies the role-specific system prompt prefixes.
type Preambles interface {
	WorkerPreamble() string
	OrchestratorPreamble() string
}

// Journal records worker sessions for the orchestrator.
type Journal interface {
	Offer(agentID, agentName string, data []byte)
	SessionStarted(agentID, agentName, cwd string)
	UpdateStatus(agentID, status string)
}

// ComposeSystemPrompt joins a role preamble and the agent's own prompt with
// a blank line. An empty result means no system prompt.
func ComposeSystemPrompt(preamble, own string) string {
	return strings.TrimSpace(preamble + "\n\n" + own)
}

// Gateway serves /terminal/{agentID}: it relays keystrokes into the
// agent's pty session and streams the session's output to every viewer.
type Gateway struct {
	registry  *terminal.Registry
	hub       *Hub
	directory AgentDirectory
	tracker   ActivityTracker
	preambles Preambles
	journal   Journal

	CheckOrigin  func(r *http.Request) bool
	DefaultRows  uint16
	DefaultCols  uint16
	DefaultModel string
	SendBuffer   int

	// createMu serializes lazy session creation with viewer registration,
	// so two viewers racing on their first resize spawn one process and a
	// joining viewer either gets the replay or is in the hub before the
	// first byte.
	createMu sync.Mutex
	closed   bool
}

func NewGateway(registry *terminal.Registry, hub *Hub, directory AgentDirectory, tracker ActivityTracker, preambles Preambles, journal Journal) *Gateway {
	return &Gateway{
		registry:    registry,
		hub:         hub,
		directory:   directory,
		tracker:     tracker,
		preambles:   preambles,
		journal:     journal,
		DefaultRows: 24,
		DefaultCols: 80,
		SendBuffer:  defaultSendBuffer,
	}
}

// agentIDFromPath returns the id in "/terminal/{id}".
func agentIDFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] != "terminal" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	conn.Close()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: g.CheckOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	agentID, ok := agentIDFromPath(r.URL.Path)
	if !ok {
		closeWith(conn, websocket.ClosePolicyViolation, ReasonInvalidPath)
		return
	}

	agent, err := g.directory.Get(r.Context(), agentID)
	if err != nil {
		if !errors.Is(err, agents.ErrNotFound) {
			log.Printf("agent lookup for %s failed: %v", agentID, err)
		}
		closeWith(conn, websocket.ClosePolicyViolation, ReasonAgentNotFound)
		return
	}

	if g.isClosed() {
		closeWith(conn, websocket.CloseGoingAway, ReasonShuttingDown)
		return
	}

	log.Printf("terminal client connected for agent %s: %s", agentID, r.RemoteAddr)
	c := newClient(agentID, conn, g.SendBuffer)
	added, attached := g.join(c, g.sinkFor(agent))
	if !added {
		// The write pump flushes and closes the connection.
		close(c.send)
		return
	}
	if attached {
		g.tracker.Reset(agentID)
	}

	g.readLoop(r.Context(), c, agent)

	g.hub.Remove(c)
	log.Printf("terminal client disconnected for agent %s: %s", agentID, r.RemoteAddr)
	if g.hub.Count(agentID) == 0 && !agent.IsOrchestrator() {
		g.tracker.SetIdle(agentID)
		g.journal.UpdateStatus(agentID, string(agents.StatusIdle))
	}
}

// join registers c with the hub. When a session exists its sink is rebound
// and c receives the scrollback before any live output.
func (g *Gateway) join(c *client, sink terminal.Sink) (added, attached bool) {
	g.createMu.Lock()
	defer g.createMu.Unlock()
	if g.closed {
		return false, false
	}

	attached = g.registry.Attach(c.agentID, sink, func(scrollback []byte, _, _ uint16) {
		// c is not yet visible to the hub, so nothing else can close
		// c.send while the scrollback is queued.
		if len(scrollback) > 0 {
			c.send <- scrollback
		}
		added = g.hub.Add(c)
	})
	if !attached {
		added = g.hub.Add(c)
	}
	return added, attached
}

// Close stops the gateway from creating sessions or accepting viewers.
// Connected viewers are left to the hub.
func (g *Gateway) Close() {
	g.createMu.Lock()
	g.closed = true
	g.createMu.Unlock()
}

func (g *Gateway) isClosed() bool {
	g.createMu.Lock()
	defer g.createMu.Unlock()
	return g.closed
}

// sinkFor builds the output callback bound to a session. It runs on the
// session's reader goroutine and only does non-blocking hand-offs.
func (g *Gateway) sinkFor(agent *agents.Agent) terminal.Sink {
	id := agent.ID
	name := agent.Label()
	worker := !agent.IsOrchestrator()
	return func(data []byte) {
		g.hub.Broadcast(id, data)
		g.tracker.Output(id, data)
		if worker {
			g.journal.Offer(id, name, data)
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *client, agent *agents.Agent) {
	id := agent.ID
	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("ws read error for agent %s: %v", id, err)
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			g.input(id, msg)
			continue
		}

		ctrl, ok := parseControl(msg)
		if !ok {
			g.input(id, msg)
			continue
		}
		switch ctrl.Type {
		case MsgInput:
			g.input(id, []byte(ctrl.Data))
		case MsgResize:
			rows := dimension(ctrl.Rows, g.DefaultRows)
			cols := dimension(ctrl.Cols, g.DefaultCols)
			if !g.registry.Has(id) {
				agent = g.ensureSession(ctx, agent, rows, cols)
			} else {
				g.registry.Resize(id, rows, cols)
			}
		}
	}
}

func (g *Gateway) input(agentID string, data []byte) {
	if len(data) == 0 {
		return
	}
	g.tracker.Input(agentID, data)
	g.registry.Write(agentID, data)
}

// ensureSession spawns the agent's process at the given size unless another
// viewer already did. It returns the freshest agent record.
func (g *Gateway) ensureSession(ctx context.Context, agent *agents.Agent, rows, cols uint16) *agents.Agent {
	g.createMu.Lock()
	defer g.createMu.Unlock()

	if g.closed {
		return agent
	}
	if g.registry.Has(agent.ID) {
		g.registry.Resize(agent.ID, rows, cols)
		return agent
	}

	if fresh, err := g.directory.Get(ctx, agent.ID); err == nil {
		agent = fresh
	}

	preamble := g.preambles.WorkerPreamble()
	if agent.IsOrchestrator() {
		preamble = g.preambles.OrchestratorPreamble()
	}
	model := agent.Model
	if model == "" {
		model = g.DefaultModel
	}

	spec := terminal.LaunchSpec{
		AgentID:      agent.ID,
		Name:         agent.Label(),
		Cwd:          agent.Cwd,
		Model:        model,
		SystemPrompt: ComposeSystemPrompt(preamble, agent.SystemPrompt),
		Rows:         rows,
		Cols:         cols,
	}
	if _, err := g.registry.Create(spec, g.sinkFor(agent)); err != nil {
		// Already logged by the registry; the viewer may retry with
		// another resize.
		return agent
	}

	g.tracker.Reset(agent.ID)
	if !agent.IsOrchestrator() {
		g.journal.SessionStarted(agent.ID, agent.Label(), agent.Cwd)
	}
	return agent
}
