//go:build windows

package terminal

import "errors"

// PTYSpawner is unavailable on Windows; every spawn fails.
type PTYSpawner struct {
	Command string
	Args    []string
	Env     map[string]string
}

func (s *PTYSpawner) Spawn(spec LaunchSpec) (Process, error) {
	return nil, &SpawnError{AgentID: spec.AgentID, Command: s.Command, Err: errors.New("pseudo-terminals are not supported on windows")}
}
