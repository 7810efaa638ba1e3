package heartbeat

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Briefing renders a markdown summary of every worker heartbeat.
func Briefing(beats map[string]Heartbeat, now time.Time) string {
	if len(beats) == 0 {
		return "No active worker sessions."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Worker Briefing\nGenerated: %s\n\n", now.Format("2006-01-02 15:04"))

	for _, hb := range sortedHeartbeats(beats) {
		fmt.Fprintf(&b, "## %s\n", nameOf(hb))
		fmt.Fprintf(&b, "**Status:** %s\n", statusOf(hb))
		fmt.Fprintf(&b, "**Task:** %s\n", orDefault(hb.CurrentTask, "No active task"))
		fmt.Fprintf(&b, "**Progress:** %s\n", orDefault(hb.Progress, "N/A"))
		fmt.Fprintf(&b, "**Summary:** %s\n", orDefault(hb.Summary, "No summary"))
		if hb.LastHeartbeat.IsZero() {
			b.WriteString("**Last heartbeat:** Unknown\n")
		} else {
			fmt.Fprintf(&b, "**Last heartbeat:** %s (%s)\n",
				hb.LastHeartbeat.Local().Format("2006-01-02 15:04:05"),
				humanize.RelTime(hb.LastHeartbeat, now, "ago", "from now"))
		}
		if !hb.SessionStart.IsZero() {
			fmt.Fprintf(&b, "**Session started:** %s\n", humanize.RelTime(hb.SessionStart, now, "ago", "from now"))
		}
		if hb.Process != nil {
			fmt.Fprintf(&b, "**Process:** pid %d, %s RSS, %.1f%% CPU\n",
				hb.Process.PID, humanize.IBytes(hb.Process.RSSBytes), hb.Process.CPUPercent)
		}
		if len(hb.Blockers) > 0 {
			fmt.Fprintf(&b, "**Blockers:** %s\n", strings.Join(hb.Blockers, ", "))
		}
		if len(hb.KeyDecisions) > 0 {
			fmt.Fprintf(&b, "**Key decisions:** %s\n", strings.Join(hb.KeyDecisions, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
