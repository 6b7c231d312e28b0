package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dhcgn/mail-digest/mailparse"
	"github.com/dhcgn/mail-digest/model"
)

const dateLayout = "2006-01-02 15:04 MST"

// Build aggregates the results of one run. It keeps the input order and does
// not touch its arguments.
func Build(runID string, generatedAt time.Time, results []model.SummaryResult, skipped []model.MailMessage) model.AggregatedReport {
	r := model.AggregatedReport{
		RunID:       runID,
		GeneratedAt: generatedAt,
		Results:     append([]model.SummaryResult(nil), results...),
		Skipped:     append([]model.MailMessage(nil), skipped...),
		Attempted:   len(results),
	}
	for _, res := range results {
		if res.OK() {
			r.Succeeded++
		}
	}
	r.Failed = r.Attempted - r.Succeeded
	return r
}

// Markdown renders the report as plain Markdown, one section per message.
func Markdown(r model.AggregatedReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Mail digest %s\n\n", r.GeneratedAt.Format("2006-01-02"))
	fmt.Fprintf(&b, "Run `%s` at %s: %d attempted, %d succeeded, %d failed.\n", r.RunID, r.GeneratedAt.Format(dateLayout), r.Attempted, r.Succeeded, r.Failed)

	for _, res := range r.Results {
		fmt.Fprintf(&b, "\n### %s\n\n", res.Subject)
		fmt.Fprintf(&b, "- ID: `%s`\n", res.MessageID)
		fmt.Fprintf(&b, "- From: %s\n", res.Sender)
		if !res.Date.IsZero() {
			fmt.Fprintf(&b, "- Date: %s\n", res.Date.Format(dateLayout))
		}
		if len(res.Attachments) > 0 {
			fmt.Fprintf(&b, "- Attachments: %s\n", strings.Join(res.Attachments, ", "))
		}
		b.WriteString("\n")
		if res.OK() {
			b.WriteString(SummaryText(res.Summary))
			b.WriteString("\n")
		} else {
			fmt.Fprintf(&b, "**FAILED**: %s\n", res.Detail())
		}
	}

	if len(r.Skipped) > 0 {
		b.WriteString("\n## Skipped\n\n")
		for _, msg := range r.Skipped {
			fmt.Fprintf(&b, "- %s (%s)\n", msg.DisplaySubject(), msg.DisplaySender())
		}
	}

	return b.String()
}

// SummaryText flattens an HTML summary card into plain text.
func SummaryText(summary string) string {
	if !strings.Contains(summary, "<") {
		return strings.TrimSpace(summary)
	}
	return mailparse.HTMLToText(summary)
}
