package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"golang.org/x/term"

	"github.com/Iron-Ham/conductor/internal/pool"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
	"github.com/Iron-Ham/conductor/internal/util"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	committedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	blockedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of w, or fallback when it is unknown.
func terminalWidth(w io.Writer, fallback int) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return fallback
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusStyle(tr pool.TaskReport) lipgloss.Style {
	switch {
	case tr.Abandoned:
		return mutedStyle
	case tr.Status == taskgraph.StatusCommitted:
		return committedStyle
	case tr.Status == taskgraph.StatusFailed:
		return failedStyle
	case tr.Status == taskgraph.StatusBlocked:
		return blockedStyle
	default:
		return lipgloss.NewStyle()
	}
}

func statusLabel(tr pool.TaskReport) string {
	if tr.Abandoned {
		return "abandoned"
	}
	return string(tr.Status)
}

// renderReport writes a summary table. Styling is applied only when styled
// is set, so the same layout works for pipes.
func renderReport(w io.Writer, r *pool.Report, styled bool, width int) error {
	style := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	const (
		idWidth      = 20
		statusWidth  = 10
		attemptWidth = 8
		timeWidth    = 9
	)
	detailWidth := max(width-idWidth-statusWidth-attemptWidth-timeWidth-4, 20)

	var b strings.Builder
	b.WriteString(strings.Join([]string{
		util.PadANSI(style(headerStyle, "TASK"), idWidth),
		util.PadANSI(style(headerStyle, "STATUS"), statusWidth),
		util.PadANSI(style(headerStyle, "ATTEMPTS"), attemptWidth),
		util.PadANSI(style(headerStyle, "TIME"), timeWidth),
		style(headerStyle, "DETAIL"),
	}, " "))
	b.WriteByte('\n')

	for _, tr := range r.Tasks {
		detail := tr.FailureReason
		if tr.Status == taskgraph.StatusCommitted {
			detail = fmt.Sprintf("%d path(s)", len(tr.ChangedPaths))
			if n := len(tr.Conflicts); n > 0 {
				detail += fmt.Sprintf(", %d conflict(s)", n)
			}
		}
		b.WriteString(strings.Join([]string{
			util.PadANSI(util.TruncateString(tr.ID, idWidth), idWidth),
			util.PadANSI(style(statusStyle(tr), statusLabel(tr)), statusWidth),
			util.PadANSI(fmt.Sprint(tr.Attempts), attemptWidth),
			util.PadANSI(tr.Duration.Round(time.Millisecond).String(), timeWidth),
			util.TruncateANSI(detail, detailWidth),
		}, " "))
		b.WriteByte('\n')

		for _, d := range tr.Diagnostics {
			b.WriteString(strings.Repeat(" ", idWidth+1))
			b.WriteString(style(mutedStyle, util.TruncateANSI(d, max(width-idWidth-1, 20))))
			b.WriteByte('\n')
		}
	}

	summary := fmt.Sprintf("\n%d committed, %d failed, %d blocked, %d abandoned in %s\n",
		r.Committed, r.Failed, r.Blocked, r.Abandoned, r.Duration.Round(time.Millisecond))
	if r.Canceled {
		summary = strings.TrimSuffix(summary, "\n") + " (canceled)\n"
	}
	b.WriteString(summary)

	_, err := io.WriteString(w, b.String())
	return err
}
