package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tunez/scrobbler/internal/scrobble"
)

// ServiceStatus is one row of the status table.
type ServiceStatus struct {
	ID       string
	Type     string
	Enabled  bool
	Pending  int
	DataFile string
	Err      error
}

// HistoryRow is one row of the history table.
type HistoryRow struct {
	Service    string
	Outcome    scrobble.Outcome
	Record     scrobble.Record
	ResolvedAt time.Time
}

// Check is one line of doctor output.
type Check struct {
	Name string
	OK   bool
	Warn bool
	Info string
}

func cell(s lipgloss.Style, width int, text string) string {
	return s.Width(width).MaxWidth(width).Render(text)
}

// RenderStatus draws the pending queue of every configured service.
func RenderStatus(t Theme, rows []ServiceStatus) string {
	var b strings.Builder
	b.WriteString(t.Title.Render("Scrobblers"))
	b.WriteString("\n")
	if len(rows) == 0 {
		b.WriteString(t.Dim.Render("no scrobblers configured"))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(cell(t.Dim, 14, "ID") + cell(t.Dim, 8, "TYPE") + cell(t.Dim, 10, "STATE") + cell(t.Dim, 9, "PENDING") + t.Dim.Render("DATA FILE"))
	b.WriteString("\n")
	for _, r := range rows {
		state := t.Success.Render("enabled")
		if !r.Enabled {
			state = t.Dim.Render("disabled")
		}
		pending := t.Text
		if r.Pending > 0 {
			pending = t.Warning
		}
		line := cell(t.Accent, 14, r.ID) +
			cell(t.Text, 8, r.Type) +
			lipgloss.NewStyle().Width(10).Render(state) +
			cell(pending, 9, fmt.Sprint(r.Pending)) +
			t.Dim.Render(r.DataFile)
		b.WriteString(line)
		b.WriteString("\n")
		if r.Err != nil {
			b.WriteString("  " + t.Error.Render(r.Err.Error()))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func outcomeStyle(t Theme, o scrobble.Outcome) lipgloss.Style {
	switch o {
	case scrobble.OutcomeAccepted:
		return t.Success
	case scrobble.OutcomeRejected:
		return t.Error
	default:
		return t.Warning
	}
}

// RenderHistory draws journal entries, newest first.
func RenderHistory(t Theme, rows []HistoryRow) string {
	var b strings.Builder
	b.WriteString(t.Title.Render("Recent scrobbles"))
	b.WriteString("\n")
	if len(rows) == 0 {
		b.WriteString(t.Dim.Render("nothing submitted yet"))
		b.WriteString("\n")
		return b.String()
	}
	for _, r := range rows {
		track := r.Record.Track
		b.WriteString(cell(t.Dim, 17, r.ResolvedAt.Local().Format("2006-01-02 15:04")) +
			cell(t.Accent, 12, r.Service) +
			cell(outcomeStyle(t, r.Outcome), 10, r.Outcome.String()) +
			t.Text.Render(strings.Join(track.Artists, ", ")+" - "+track.Title))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderChecks draws doctor results and reports whether all passed.
func RenderChecks(t Theme, checks []Check) (string, bool) {
	var b strings.Builder
	ok := true
	for _, c := range checks {
		mark := t.Success.Render("ok  ")
		switch {
		case !c.OK:
			mark = t.Error.Render("FAIL")
			ok = false
		case c.Warn:
			mark = t.Warning.Render("warn")
		}
		b.WriteString(mark + " " + t.Text.Render(c.Name))
		if c.Info != "" {
			b.WriteString(t.Dim.Render(": " + c.Info))
		}
		b.WriteString("\n")
	}
	return b.String(), ok
}
