package report

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Header prints a section header.
func Header(w io.Writer, title string) {
	banner(w, title, bold(title))
}

// banner frames shown, which is title with any colouring applied.
func banner(w io.Writer, title, shown string) {
	line := strings.Repeat("=", len(title)+4)
	fmt.Fprintf(w, "\n%s\n  %s\n%s\n\n", bold(line), shown, bold(line))
}

// Step prints a step in progress.
func Step(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", cyan("▶"), message)
}

// Success prints a success message.
func Success(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", green("✓"), message)
}

// Warning prints a warning message.
func Warning(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", yellow("⚠"), message)
}

// Info prints an informational message.
func Info(w io.Writer, message string) {
	fmt.Fprintf(w, "  %s\n", message)
}

// Table prints rows under bold headers with padded columns.
func Table(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Fprint(w, bold(fmt.Sprintf("%-*s", widths[i], h)), "  ")
	}
	fmt.Fprintln(w)
	for _, width := range widths {
		fmt.Fprint(w, strings.Repeat("-", width)+"  ")
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, cell := range row {
			fmt.Fprintf(w, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(w)
	}
}

// FormatDuration formats a duration for humans.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
