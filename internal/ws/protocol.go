package ws

import (
	"encoding/json"
	"math"
)

type MessageType string

const (
	MsgResize MessageType = "resize"
	MsgInput  MessageType = "input"
)

// Close reasons sent with websocket.ClosePolicyViolation.
const (
	ReasonInvalidPath   = "Invalid path"
	ReasonAgentNotFound = "Agent not found"
)

// ReasonShuttingDown is sent with websocket.CloseGoingAway.
const ReasonShuttingDown = "Server shutting down"

// ControlMessage is a text frame from the browser terminal.
type ControlMessage struct {
	Type MessageType `json:"type"`
	Rows int         `json:"rows,omitempty"`
	Cols int         `json:"cols,omitempty"`
	Data string      `json:"data,omitempty"`
}

// parseControl decodes a text frame. Frames that are not a resize or input
// message report false and are treated as raw terminal input.
func parseControl(msg []byte) (ControlMessage, bool) {
	var m ControlMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return ControlMessage{}, false
	}
	switch m.Type {
	case MsgResize, MsgInput:
		return m, true
	}
	return ControlMessage{}, false
}

// dimension converts a requested terminal dimension, falling back to def
// for missing or non-positive values.
func dimension(v int, def uint16) uint16 {
	switch {
	case v <= 0:
		return def
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}
