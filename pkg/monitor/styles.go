package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	timestampWidth = 12
	statusWidth    = 20
	nameWidth      = 40
	timeLayout     = "3:04:05 PM"
)

var (
	plainStyle  = lipgloss.NewStyle()
	boldStyle   = lipgloss.NewStyle().Bold(true)
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// statusStyle colors a resource status by the operation it belongs to
func statusStyle(status string) lipgloss.Style {
	switch {
	case status == "":
		return plainStyle
	case strings.HasSuffix(status, "_FAILED"):
		return redStyle
	case strings.HasPrefix(status, "CREATE_"), strings.HasPrefix(status, "UPDATE_"), strings.HasPrefix(status, "IMPORT_"):
		return greenStyle
	case strings.HasPrefix(status, "ROLLBACK_"), strings.HasPrefix(status, "DELETE_"):
		return yellowStyle
	}
	return plainStyle
}

func padRight(n int, s string) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func padLeft(n int, s string) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat(" ", n-len(s)) + s
}

// shorten cuts the middle out of s when it is longer than n
func shorten(n int, s string) string {
	if len(s) <= n {
		return s
	}
	const ellipsis = "..."
	if n <= len(ellipsis) {
		return s[:n]
	}
	keep := n - len(ellipsis)
	head := keep / 2
	return s[:head] + ellipsis + s[len(s)-(keep-head):]
}

func truncatedStatus(status string) string {
	if len(status) > statusWidth {
		status = status[:statusWidth]
	}
	return padRight(statusWidth, status)
}

func displayName(activity StackActivity) string {
	if activity.Metadata != nil && activity.Metadata.ConstructPath != "" {
		return activity.Metadata.ConstructPath
	}
	return activity.LogicalResourceID
}

func formatTrace(trace []string) string {
	return fmt.Sprintf("\n\t%s", strings.Join(trace, "\n\t\\_ "))
}
