package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"choreline/internal/domain"
	"choreline/internal/engine"
	"choreline/internal/fsm"
)

var badgeColors = map[fsm.State]string{
	fsm.StatePending:   "#888888",
	fsm.StateDue:       "#5B8DEF",
	fsm.StateClaimed:   "#E5C07B",
	fsm.StateApproved:  "#98C379",
	fsm.StateOverdue:   "#FF6B6B",
	fsm.StateWaiting:   "#AAAAAA",
	fsm.StateNotMyTurn: "#666666",
	fsm.StateMissed:    "#BE5046",
}

func badge(s fsm.State) string {
	color, ok := badgeColors[s]
	if !ok {
		color = "#AAAAAA"
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color(color)).
		Render(strings.ToUpper(strings.ReplaceAll(string(s), "_", " ")))
}

func holderLabel(t domain.Task) string {
	if !t.CompletionMode.IsRotation() {
		return "-"
	}
	if t.CycleOverride {
		return t.EffectiveTurnHolder() + " (open cycle)"
	}
	return t.EffectiveTurnHolder()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func renderTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Mode", "Assignees", "Turn", "Due"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Name, t.CompletionMode, strings.Join(t.Assignees, ", "), holderLabel(t), formatTime(t.DueDate)})
	}
	tw.Render()
}

func renderOverview(t domain.Task, slots []engine.AssigneeView) {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	fmt.Println(title.Render(t.Name) + fmt.Sprintf("  %s · %s · %s", t.CompletionMode, t.OverduePolicy, t.ApprovalReset))
	tw := newTable()
	tw.AppendHeader(table.Row{"Assignee", "State", "Lock", "Turn", "Due", "Completions"})
	for _, s := range slots {
		turn := ""
		if s.TurnHolder {
			turn = "●"
		}
		tw.AppendRow(table.Row{s.AssigneeID, badge(s.State), s.LockReason, turn, formatTime(s.DueDate), s.Record.PeriodApprovals})
	}
	tw.Render()
}

func renderHistory(items []domain.HistoryEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"At", "Assignee", "Kind"})
	for _, h := range items {
		at := h.At
		tw.AppendRow(table.Row{formatTime(&at), h.AssigneeID, h.Kind})
	}
	tw.Render()
}

func renderEvents(items []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Task", "Actor", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID, e.Payload})
	}
	tw.Render()
}
