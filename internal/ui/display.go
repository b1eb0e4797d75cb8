package ui

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ari/wisp/internal/store"
	"github.com/ari/wisp/internal/tracker"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const ruleWidth = 60

// FormatDuration formats seconds into a human-readable duration
func FormatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	d := time.Duration(seconds) * time.Second
	h := d.Hours()
	if h >= 1 {
		return fmt.Sprintf("%.1fh", h)
	}
	m := d.Minutes()
	return fmt.Sprintf("%.1fm", m)
}

// FormatDateTime formats a Unix timestamp into a human-readable datetime
func FormatDateTime(timestamp int64) string {
	if timestamp == 0 {
		return "-"
	}
	t := time.Unix(timestamp, 0)
	return t.Format("2006-01-02 15:04")
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// RenderStats renders screen time statistics for a period.
func RenderStats(period store.Period, stats *store.StatsData) string {
	var b strings.Builder

	name := string(period)
	if name == "" {
		name = string(store.PeriodDay)
	}
	name = strings.ToUpper(name[:1]) + name[1:]

	fmt.Fprintf(&b, "\n%s\n", titleStyle.Render(fmt.Sprintf("Screen Time - %s - %s", stats.UserID, name)))
	b.WriteString(strings.Repeat("=", ruleWidth) + "\n")

	fmt.Fprintf(&b, "\n%s\n", sectionStyle.Render("Summary"))
	fmt.Fprintf(&b, "  Total Time:    %s\n", FormatDuration(stats.TotalDuration))
	fmt.Fprintf(&b, "  Unique Sites:  %d\n", stats.UniqueSites)
	b.WriteString("  Last Sync:     ")
	if stats.LastSyncTime > 0 {
		b.WriteString(FormatDateTime(stats.LastSyncTime) + "\n")
	} else {
		b.WriteString(warnStyle.Render("Never synced") + "\n")
	}

	if len(stats.DailySummaries) > 0 {
		fmt.Fprintf(&b, "\n%s\n", sectionStyle.Render("Daily Summary"))
		fmt.Fprintf(&b, "  %-12s %12s %8s\n", "Date", "Time", "Sites")
		fmt.Fprintf(&b, "  %s\n", strings.Repeat("-", 34))
		for _, d := range stats.DailySummaries {
			fmt.Fprintf(&b, "  %-12s %12s %8d\n", d.Date, FormatDuration(d.TotalDuration), d.UniqueSites)
		}
	}

	fmt.Fprintf(&b, "\n%s\n", sectionStyle.Render("Top Sites"))
	if len(stats.TopSites) > 0 {
		for i, s := range stats.TopSites {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(&b, "  %d. %-40s %8s\n", i+1, Truncate(title, 40), FormatDuration(s.Duration))
			fmt.Fprintf(&b, "     %s\n", mutedStyle.Render(Truncate(s.URL, 56)))
		}
	} else {
		fmt.Fprintf(&b, "  %s\n", warnStyle.Render("No data"))
	}

	b.WriteString("\n" + strings.Repeat("=", ruleWidth) + "\n")
	return b.String()
}

// RenderLedger renders undelivered seconds, largest first.
func RenderLedger(title string, ledger map[string]int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", sectionStyle.Render(title))
	if len(ledger) == 0 {
		fmt.Fprintf(&b, "  %s\n", mutedStyle.Render("Nothing pending"))
		return b.String()
	}

	keys := make([]string, 0, len(ledger))
	var total int64
	for k, v := range ledger {
		keys = append(keys, k)
		total += v
	}
	sort.Slice(keys, func(i, j int) bool {
		if ledger[keys[i]] != ledger[keys[j]] {
			return ledger[keys[i]] > ledger[keys[j]]
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		url, pageTitle := tracker.SplitKey(k)
		if pageTitle == "" {
			pageTitle = url
		}
		fmt.Fprintf(&b, "  %-48s %8s\n", Truncate(pageTitle, 48), FormatDuration(ledger[k]))
	}
	fmt.Fprintf(&b, "  %s\n", strings.Repeat("-", 57))
	fmt.Fprintf(&b, "  %-48s %8s\n", "Total", FormatDuration(total))
	return b.String()
}

// DisplayStats prints RenderStats to stdout
func DisplayStats(period store.Period, stats *store.StatsData) {
	fmt.Print(RenderStats(period, stats))
}

// DisplayLedger prints RenderLedger to stdout
func DisplayLedger(title string, ledger map[string]int64) {
	fmt.Print(RenderLedger(title, ledger))
}

// Error displays an error message
func Error(msg string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+msg))
}
