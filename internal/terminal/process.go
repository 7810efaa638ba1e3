package terminal

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Process operations after Close.
var ErrClosed = errors.New("terminal device closed")

// SpawnError reports that the agent executable could not be launched.
type SpawnError struct {
	AgentID string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s for agent %s: %v", e.Command, e.AgentID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DeviceError reports a failed read, write or resize against a pty master.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("pty %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// LaunchSpec describes one agent process. Model and SystemPrompt are passed
// through to the agent CLI untouched; an empty SystemPrompt means none.
type LaunchSpec struct {
	AgentID      string
	Name         string
	Cwd          string
	Model        string
	SystemPrompt string
	Rows         uint16
	Cols         uint16
}

// Process is an interactive child process attached to a terminal device.
type Process interface {
	// Read waits up to timeout for output and reads at most len(p) bytes.
	// It returns 0, nil when nothing arrived in time and io.EOF once the
	// child side of the terminal is gone.
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	// Terminate asks the child to exit. It does not wait.
	Terminate() error
	// Close releases the terminal device.
	Close() error
	// Alive reports whether the child is still running.
	Alive() bool
	Pid() int
}

// Spawner starts agent processes.
type Spawner interface {
	Spawn(spec LaunchSpec) (Process, error)
}
