package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/replexport/internal/export"
	"github.com/raphaelgruber/replexport/internal/metrics"
)

// Theme holds the color scheme for the run summary.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// renderSummary builds the end-of-run report. complete is false when the
// run stopped on a fatal error.
func renderSummary(t Theme, s export.Summary, snap metrics.Snapshot, complete bool) string {
	var b strings.Builder

	b.WriteString("\n")
	if complete {
		b.WriteString(t.completedStyle().Render(fmt.Sprintf("✓ Downloaded %d repls", s.Exported)))
	} else {
		b.WriteString(t.errorStyle().Render(fmt.Sprintf("✗ Stopped after %d repls", s.Exported)))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "  Pages:       %d\n", s.Pages)
	fmt.Fprintf(&b, "  Processed:   %d\n", s.Processed)
	fmt.Fprintf(&b, "  Exported:    %d\n", s.Exported)
	if dl := snap.Download; dl != nil && dl.TotalBytes != nil {
		fmt.Fprintf(&b, "  Downloaded:  %s\n", formatBytes(*dl.TotalBytes))
	}
	if req := snap.HTTPRequest; req != nil {
		fmt.Fprintf(&b, "  Requests:    %d\n", req.Count)
	}
	if runID != "" {
		b.WriteString(t.statusStyle().Render(fmt.Sprintf("  Run:         %s", runID)))
		b.WriteString("\n")
	}

	if len(s.Failed) > 0 {
		b.WriteString(t.errorStyle().Render(fmt.Sprintf("\nFailed (%d):", len(s.Failed))))
		b.WriteString("\n")
		for _, id := range s.Failed {
			if reason := s.Reasons[id]; reason != "" {
				fmt.Fprintf(&b, "  • %s (%s)\n", id, reason)
				continue
			}
			fmt.Fprintf(&b, "  • %s\n", id)
		}
		b.WriteString(t.hintStyle().Render("Failed repls are not retried on resume; delete the save file to export everything again."))
		b.WriteString("\n")
	}

	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
