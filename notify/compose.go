package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/dhcgn/mail-digest/model"
	"github.com/dhcgn/mail-digest/report"
)

const timeLayout = "2006-01-02 15:04"

type ComposeOptions struct {
	To []string
	// Subject overrides the default "Mail digest <date>" subject.
	Subject       string
	AttachArchive bool
}

// DefaultSubject is used when the caller gives no subject.
func DefaultSubject(r model.AggregatedReport) string {
	return "Mail digest " + r.GeneratedAt.Format("2006-01-02")
}

// Compose builds the notification for a report. Message identifiers and
// credentials never appear in it.
func Compose(r model.AggregatedReport, ref model.ArchiveReference, opts ComposeOptions) (model.NotificationMessage, error) {
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		subject = DefaultSubject(r)
	}

	view := newView(r, ref, opts.AttachArchive)

	var html bytes.Buffer
	if err := htmlTemplate.Execute(&html, view); err != nil {
		return model.NotificationMessage{}, fmt.Errorf("render notification html: %w", err)
	}

	msg := model.NotificationMessage{
		To:       append([]string(nil), opts.To...),
		Subject:  subject,
		HTMLBody: html.String(),
		TextBody: renderText(view),
	}
	if opts.AttachArchive && !ref.IsZero() {
		attachment := ref
		msg.Attachment = &attachment
	}
	return msg, nil
}

type failureLine struct {
	Sender  string
	Subject string
	When    string
	Reason  string
}

type view struct {
	Title     string
	Attempted int
	Succeeded int
	Failed    int
	Cards     []template.HTML
	Texts     []string
	Failures  []failureLine
	Skipped   int
	Footer    string
}

func newView(r model.AggregatedReport, ref model.ArchiveReference, attach bool) view {
	v := view{
		Title:     DefaultSubject(r),
		Attempted: r.Attempted,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Skipped:   len(r.Skipped),
		Footer:    footer(ref, attach),
	}

	for _, res := range r.Results {
		if !res.OK() {
			continue
		}
		// Summaries are sanitized cards from the generator.
		v.Cards = append(v.Cards, template.HTML(res.Summary))
		v.Texts = append(v.Texts, fmt.Sprintf("%s (%s)\n%s", res.Subject, res.Sender, report.SummaryText(res.Summary)))
	}

	for _, res := range r.FailedResults() {
		line := failureLine{Sender: res.Sender, Subject: res.Subject, Reason: failureReason(res)}
		if !res.Date.IsZero() {
			line.When = res.Date.Format(timeLayout)
		}
		v.Failures = append(v.Failures, line)
	}
	return v
}

// failureReason keeps the classification of the error but drops transport
// details such as response bodies.
func failureReason(res model.SummaryResult) string {
	detail := res.Detail()
	if idx := strings.Index(detail, "): "); idx >= 0 {
		detail = detail[:idx+1]
	}
	return detail
}

func footer(ref model.ArchiveReference, attach bool) string {
	switch {
	case ref.IsZero():
		return "No archive document was generated for this run."
	case attach:
		return fmt.Sprintf("The full archive (%s) is attached.", ref.Name)
	default:
		return fmt.Sprintf("The full archive (%s) was saved locally and is not attached.", ref.Name)
	}
}

var htmlTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>{{.Title}}</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; margin: 0; padding: 0; background-color: #f4f7f6; }
    .container { max-width: 600px; margin: 20px auto; background-color: #ffffff; border-radius: 12px; overflow: hidden; box-shadow: 0 4px 15px rgba(0,0,0,0.08); }
    .header { padding: 24px; background-color: #4A90E2; text-align: center; }
    .header h1 { margin: 0; font-size: 24px; color: #ffffff; }
    .stats { padding: 12px 24px 0 24px; font-size: 13px; color: #555555; }
    .warning { margin: 12px 24px 0 24px; padding: 12px; background-color: #fff4e5; border-left: 4px solid #f39c12; font-size: 13px; color: #663c00; }
    .summary-list { padding: 10px 24px 24px 24px; }
    .footer { padding: 20px; text-align: center; font-size: 12px; color: #888888; background-color: #fafafa; border-top: 1px solid #eeeeee; }
  </style>
</head>
<body>
  <div class="container">
    <div class="header">
      <h1>{{.Title}}</h1>
    </div>
    <div class="stats">{{.Attempted}} summarized, {{.Succeeded}} succeeded, {{.Failed}} failed{{if .Skipped}}, {{.Skipped}} skipped by filter{{end}}</div>
{{- if .Failures}}
    <div class="warning">
      <strong>{{.Failed}} message(s) could not be summarized:</strong>
      <ul>
{{- range .Failures}}
        <li>{{.Sender}} | {{.Subject}}{{if .When}} | {{.When}}{{end}}{{if .Reason}} ({{.Reason}}){{end}}</li>
{{- end}}
      </ul>
    </div>
{{- end}}
    <div class="summary-list">
{{- range .Cards}}
      {{.}}
{{- end}}
    </div>
    <div class="footer">
      {{.Footer}}
    </div>
  </div>
</body>
</html>
`))

func renderText(v view) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", v.Title)
	fmt.Fprintf(&b, "%d summarized, %d succeeded, %d failed", v.Attempted, v.Succeeded, v.Failed)
	if v.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped by filter", v.Skipped)
	}
	b.WriteString("\n")

	if len(v.Failures) > 0 {
		fmt.Fprintf(&b, "\nWARNING: %d message(s) could not be summarized:\n", v.Failed)
		for _, f := range v.Failures {
			fmt.Fprintf(&b, "- %s | %s", f.Sender, f.Subject)
			if f.When != "" {
				fmt.Fprintf(&b, " | %s", f.When)
			}
			if f.Reason != "" {
				fmt.Fprintf(&b, " (%s)", f.Reason)
			}
			b.WriteString("\n")
		}
	}

	for _, text := range v.Texts {
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n%s\n", v.Footer)
	return b.String()
}
