// Package output provides styled terminal output helpers (success, error,
// warning, session summaries) using lipgloss.
package output

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Title prints a bold heading
func Title(text string) {
	fmt.Println(titleStyle.Render(text))
}

// Subtle prints de-emphasized text
func Subtle(format string, args ...interface{}) {
	fmt.Println(subtleStyle.Render(fmt.Sprintf(format, args...)))
}

// SessionSummary prints the outcome of a finished sync session.
func SessionSummary(session *sync.Session) {
	elapsed := session.StoppedOn().Sub(session.StartedOn())
	if session.Successful() {
		Success("Sync completed in %s", elapsed.Round(time.Millisecond))
	} else {
		Error("Sync finished with %d issue(s) in %s", len(session.Issues()), elapsed.Round(time.Millisecond))
	}

	client, server := session.ClientStats(), session.ServerStats()
	Subtle("  client: %d received, %d applied", client.Changes, client.AppliedChanges)
	Subtle("  server: %d received, %d applied", server.Changes, server.AppliedChanges)
	if client.IndividualProcessCount+server.IndividualProcessCount > 0 {
		Subtle("  individual fallbacks: %d", client.IndividualProcessCount+server.IndividualProcessCount)
	}

	for _, issue := range session.Issues() {
		Warning("%s", issue.String())
	}
}
