package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/gatekeep/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// renderDetail lays out a record and its recent audit trail for the
// viewport.
func renderDetail(rec *models.Record, events []models.AuditEvent) string {
	var b strings.Builder

	title := rec.Summary
	if title == "" {
		title = rec.ActionType
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(renderField("ID", rec.ID))
	b.WriteString(renderField("Stage", formatStage(rec.Stage)))
	b.WriteString(renderField("Kind", string(rec.Kind)))
	b.WriteString(renderField("Priority", formatPriority(rec.Priority)))
	if rec.ActionType != "" {
		b.WriteString(renderField("Action", rec.ActionType))
	}
	b.WriteString(renderField("Source", rec.Source))
	b.WriteString(renderField("Created", rec.CreatedAt.Local().Format("2006-01-02 15:04")))

	if a := rec.Approval; a != nil {
		b.WriteString(sectionStyle.Render("Approval"))
		b.WriteString("\n")
		b.WriteString(renderField("Sensitivity", string(a.Sensitivity)))
		b.WriteString(renderField("Requires approval", fmt.Sprintf("%t", a.RequiresApproval)))
		if a.ApprovedBy != "" {
			b.WriteString(renderField("Approved by", a.ApprovedBy))
		}
		if a.RejectedBy != "" || a.RejectionReason != "" {
			b.WriteString(renderField("Rejected by", a.RejectedBy))
			b.WriteString(renderField("Reason", a.RejectionReason))
		}
	}

	if len(rec.Payload) > 0 {
		b.WriteString(sectionStyle.Render("Payload"))
		b.WriteString("\n")
		keys := make([]string, 0, len(rec.Payload))
		for k := range rec.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render(k+":"), truncate(fmt.Sprint(rec.Payload[k]), 100)))
		}
	}

	if len(events) > 0 {
		b.WriteString(sectionStyle.Render("Audit"))
		b.WriteString("\n")
		for i, ev := range events {
			if i >= 8 {
				b.WriteString(fmt.Sprintf("  ... and %d more events\n", len(events)-8))
				break
			}
			b.WriteString(fmt.Sprintf("  %s  %-18s %s  %s\n",
				ev.Timestamp.Local().Format("01-02 15:04:05"),
				ev.ActionType,
				formatResult(ev.Result),
				labelStyle.Render(ev.Actor)))
		}
	}

	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func formatResult(r models.AuditResult) string {
	switch r {
	case models.AuditSuccess:
		return lipgloss.NewStyle().Foreground(successColor).Render(string(r))
	case models.AuditRejected, models.AuditError:
		return lipgloss.NewStyle().Foreground(errorColor).Render(string(r))
	default:
		return lipgloss.NewStyle().Foreground(warningColor).Render(string(r))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
