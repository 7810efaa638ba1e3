package agents

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("agent not found")

type Role string

const (
	RoleWorker       Role = "worker"
	RoleOrchestrator Role = "orchestrator"
)

// Status is the presence shown next to an agent in the UI.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusIdle    Status = "idle"
)

// Notification is the badge raised by the activity tracker. The zero value
// means no notification.
type Notification string

const (
	NotifyNone      Notification = ""
	NotifyAttention Notification = "attention"
	NotifyDone      Notification = "done"
)

type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Emoji        string       `json:"emoji"`
	Model        string       `json:"model"`
	Cwd          string       `json:"cwd"`
	SystemPrompt string       `json:"system_prompt"`
	Role         Role         `json:"role"`
	Status       Status       `json:"status"`
	Notification Notification `json:"notification,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Label is the human-readable name used in logs, heartbeats and the
// child process environment.
func (a *Agent) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func (a *Agent) IsOrchestrator() bool {
	return a.Role == RoleOrchestrator
}

// NewAgent holds the caller-supplied fields for Store.Create.
type NewAgent struct {
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Emoji        string `json:"emoji"`
	Model        string `json:"model"`
	Cwd          string `json:"cwd"`
	SystemPrompt string `json:"system_prompt"`
	Role         Role   `json:"role"`
}

func (n NewAgent) Validate() error {
	if n.Name == "" {
		return errors.New("name is required")
	}
	if n.Cwd == "" {
		return errors.New("cwd is required")
	}
	switch n.Role {
	case "", RoleWorker, RoleOrchestrator:
	default:
		return errors.New("role must be worker or orchestrator")
	}
	return nil
}
