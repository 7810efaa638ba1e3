package heartbeat

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

const workerPreamble = "## Multi-Agent System\n\n" +
	"You're monitored by an orchestrator. Emit a brief REPORT when you:\n" +
	"- Complete a significant task\n" +
	"- Hit a blocker\n" +
	"- Make a key decision\n\n" +
	"```json\n" +
	`{"type": "REPORT", "summary": "...", "blockers": [], "key_decisions": []}` + "\n" +
	"```"

func WorkerPreamble() string {
	return workerPreamble
}

// OrchestratorPreamble describes the orchestrator role and embeds the
// current state of every worker on the board.
func OrchestratorPreamble(board *Board, sessionsDir string) string {
	workers := "No active workers."
	beats, err := board.All()
	if err != nil {
		workers = "Worker status unavailable."
	} else if len(beats) > 0 {
		var lines []string
		for _, hb := range sortedHeartbeats(beats) {
			line := fmt.Sprintf("- **%s**: %s", nameOf(hb), statusOf(hb))
			if hb.CurrentTask != "" {
				line += " | Task: " + hb.CurrentTask
			}
			if hb.Progress != "" {
				line += " | Progress: " + hb.Progress
			}
			if hb.Summary != "" {
				line += " | " + hb.Summary
			}
			lines = append(lines, line)
		}
		workers = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(`You are the ORCHESTRATOR agent. You have visibility into all worker agents.

## Current Worker Status

%s

## Your Capabilities

1. **Monitor workers** - Heartbeats are in: %s
2. **Read session logs** - Detailed logs in: %s
3. **Coordinate work** - You can advise on task allocation (humans execute)

## Guidelines

- Stay high-level unless asked for details
- Summarize worker status when asked
- Flag blockers or conflicts between workers
- At end-of-day, provide comprehensive summary from session logs
`, workers, board.Path(), filepath.Clean(sessionsDir)+string(filepath.Separator))
}

func sortedHeartbeats(beats map[string]Heartbeat) []Heartbeat {
	out := make([]Heartbeat, 0, len(beats))
	for id, hb := range beats {
		if hb.AgentID == "" {
			hb.AgentID = id
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool {
		if nameOf(out[i]) != nameOf(out[j]) {
			return nameOf(out[i]) < nameOf(out[j])
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func nameOf(hb Heartbeat) string {
	if hb.AgentName != "" {
		return hb.AgentName
	}
	return hb.AgentID
}

func statusOf(hb Heartbeat) string {
	if hb.Status != "" {
		return hb.Status
	}
	return "unknown"
}
