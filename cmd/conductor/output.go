package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	dimStyle     = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("245"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// statusStyle colours a task or workflow status
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(types.TaskStatusCompleted):
		return successStyle
	case string(types.TaskStatusFailed), string(types.WorkflowStatusCancelled):
		return errorStyle
	case string(types.TaskStatusSkipped):
		return dimStyle
	case string(types.TaskStatusRunning), string(types.TaskStatusReady):
		return infoStyle
	default:
		return warningStyle
	}
}

// column renders s padded to width cells
func column(s string, width int) string {
	return lipgloss.NewStyle().Width(width).MaxWidth(width).Render(s)
}

func row(cells []string, widths []int) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = column(c, widths[i])
	}
	return strings.Join(parts, " ")
}

func formatDuration(start, end *time.Time) string {
	if start == nil || end == nil {
		return "-"
	}
	return end.Sub(*start).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// printWorkflow writes a status table for one workflow
func printWorkflow(w io.Writer, wf *types.Workflow) {
	fmt.Fprintf(w, "\n%s %s %s\n", titleStyle.Render("Workflow "+wf.Name), dimStyle.Render(wf.ID), statusStyle(string(wf.Status)).Render(string(wf.Status)))
	if wf.Error != "" {
		fmt.Fprintln(w, errorStyle.Render(wf.Error))
	}
	fmt.Fprintln(w)

	widths := []int{20, 14, 11, 9, 12, 40}
	fmt.Fprintln(w, headerStyle.Render(row([]string{"TASK", "FUNCTION", "STATUS", "RETRIES", "DURATION", "ERROR"}, widths)))
	for _, t := range wf.Tasks {
		status := string(t.Status)
		fmt.Fprintln(w, row([]string{
			t.ID,
			t.Function,
			statusStyle(status).Render(status),
			fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
			formatDuration(t.StartedAt, t.CompletedAt),
			truncate(t.Error, 40),
		}, widths))
	}

	counts := wf.StatusCounts()
	fmt.Fprintf(w, "\n%s completed, %s failed, %s skipped, %s pending  %s\n",
		successStyle.Render(fmt.Sprint(counts[types.TaskStatusCompleted])),
		errorStyle.Render(fmt.Sprint(counts[types.TaskStatusFailed])),
		dimStyle.Render(fmt.Sprint(counts[types.TaskStatusSkipped])),
		warningStyle.Render(fmt.Sprint(counts[types.TaskStatusPending])),
		dimStyle.Render("took "+formatDuration(wf.StartedAt, wf.CompletedAt)),
	)
}

// printEvent writes one streamed event line
func printEvent(w io.Writer, ev *events.Event) {
	ts := time.UnixMilli(ev.Timestamp).Format("15:04:05.000")
	style := infoStyle
	switch ev.Type {
	case events.EventTaskCompleted, events.EventWorkflowCompleted:
		style = successStyle
	case events.EventTaskFailed, events.EventWorkflowFailed, events.EventWorkflowCancelled:
		style = errorStyle
	case events.EventTaskRetrying:
		style = warningStyle
	case events.EventTaskSkipped:
		style = dimStyle
	}

	line := fmt.Sprintf("%s %s", dimStyle.Render(ts), style.Render(column(string(ev.Type), 20)))
	if ev.TaskID != "" {
		line += " " + ev.TaskID
	}
	if msg, ok := ev.Data["error"].(string); ok && msg != "" {
		line += " " + errorStyle.Render(truncate(msg, 60))
	}
	fmt.Fprintln(w, line)
}

// printStages lists the tasks of each execution stage
func printStages(w io.Writer, stages [][]string) {
	for i, ids := range stages {
		fmt.Fprintf(w, "  %s %s\n", dimStyle.Render(fmt.Sprintf("stage %d:", i+1)), strings.Join(ids, ", "))
	}
}

func printRuns(w io.Writer, runs []db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No runs recorded"))
		return
	}
	widths := []int{36, 20, 10, 12, 20, 16}
	fmt.Fprintln(w, headerStyle.Render(row([]string{"ID", "NAME", "STATUS", "DURATION", "COMPLETED", "TASKS ok/fail/skip"}, widths)))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Local().Format("2006-01-02 15:04:05")
		}
		status := string(r.Status)
		fmt.Fprintln(w, row([]string{
			r.ID,
			r.Name,
			statusStyle(status).Render(status),
			r.Duration.Round(time.Millisecond).String(),
			completed,
			fmt.Sprintf("%d/%d/%d", r.TasksCompleted, r.TasksFailed, r.TasksSkipped),
		}, widths))
	}
}

func printExecutions(w io.Writer, execs []db.Execution) {
	if len(execs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No task executions recorded"))
		return
	}
	widths := []int{20, 14, 11, 8, 12, 40}
	fmt.Fprintln(w, headerStyle.Render(row([]string{"TASK", "FUNCTION", "STATUS", "ATTEMPT", "DURATION", "ERROR"}, widths)))
	for _, e := range execs {
		status := string(e.Status)
		fmt.Fprintln(w, row([]string{
			e.TaskID,
			e.Function,
			statusStyle(status).Render(status),
			fmt.Sprint(e.Attempt),
			e.Duration.Round(time.Millisecond).String(),
			truncate(e.Error, 40),
		}, widths))
	}
}

func printStats(w io.Writer, stats db.Stats) {
	fmt.Fprintln(w, titleStyle.Render("History"))
	fmt.Fprintf(w, "Runs:        %d\n", stats.Runs)
	for _, status := range []types.WorkflowStatus{
		types.WorkflowStatusCompleted,
		types.WorkflowStatusFailed,
		types.WorkflowStatusCancelled,
	} {
		fmt.Fprintf(w, "  %-10s %s\n", strings.ToLower(string(status)), statusStyle(string(status)).Render(fmt.Sprint(stats.RunsByStatus[status])))
	}
	fmt.Fprintf(w, "Executions:  %d\n", stats.Executions)
	fmt.Fprintf(w, "Failures:    %s\n", errorStyle.Render(fmt.Sprint(stats.Failures)))
	fmt.Fprintf(w, "Avg attempt: %.1fms\n", stats.AvgDurationMs)
}
