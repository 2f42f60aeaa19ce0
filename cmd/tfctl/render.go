package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
	"github.com/fyrsmithlabs/taskflow/internal/run"
	"github.com/fyrsmithlabs/taskflow/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	outputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// actorWidth aligns the actor column of the trace.
const actorWidth = 10

func renderTrace(w io.Writer, resp *run.Response) {
	fmt.Fprintln(w, headerStyle.Render("taskflow run "+resp.RunID))
	if len(resp.Plan) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Plan"))
		for i, step := range resp.Plan {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%d.", i+1)), step)
		}
	}
	fmt.Fprintln(w, sectionStyle.Render("Events"))
	for _, ev := range resp.Events {
		fmt.Fprintf(w, "  %s %s %s %s\n",
			dimStyle.Render(fmt.Sprintf("[step %d]", ev.StepIndex+1)),
			labelStyle.Render(fmt.Sprintf("%-*s", actorWidth, ev.Actor)),
			actionStyle(ev.Action).Render(ev.Action),
			dimStyle.Render(oneLine(ev.Detail, 100)),
		)
	}
	fmt.Fprintf(w, "%s %s\n", sectionStyle.Render("Outcome"), outcomeStyle(resp.Outcome).Render(string(resp.Outcome)))
}

func renderOutput(w io.Writer, resp *run.Response) {
	fmt.Fprintln(w, outputStyle.Render(resp.FinalOutput))
	fmt.Fprintln(w, dimStyle.Render("session "+resp.SessionID))
}

func renderSummaries(w io.Writer, sums []session.Summary) {
	if len(sums) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no sessions"))
		return
	}
	for _, s := range sums {
		fmt.Fprintf(w, "%s  %s  %s\n",
			labelStyle.Render(s.ID),
			s.Title,
			dimStyle.Render(fmt.Sprintf("%d messages, updated %s", s.MessageCount, s.UpdatedAt.Local().Format("2006-01-02 15:04"))),
		)
	}
}

func renderSession(w io.Writer, s *session.Session) {
	fmt.Fprintln(w, headerStyle.Render(s.Title))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%s, created %s", s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"))))
	for _, m := range s.Messages {
		fmt.Fprintln(w, sectionStyle.Render(m.Role))
		fmt.Fprintln(w, m.Content)
	}
}

func actionStyle(action string) lipgloss.Style {
	switch action {
	case "approve", "approved", "complete":
		return okStyle
	case "retry", "rejected", "failed":
		return warnStyle
	case "fail":
		return errStyle
	}
	return labelStyle
}

func outcomeStyle(o orchestrator.Outcome) lipgloss.Style {
	switch o {
	case orchestrator.OutcomeCompleted:
		return okStyle
	case orchestrator.OutcomeRetriesExhausted:
		return warnStyle
	}
	return errStyle
}

// oneLine collapses whitespace and truncates to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
