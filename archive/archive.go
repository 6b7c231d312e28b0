package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/mail-digest/model"
)

// Writer persists reports as dated HTML documents, one file per day. A run
// that lands on an existing file is appended as a new section; writing the
// same run twice replaces its section.
type Writer struct {
	dir    string
	logger *slog.Logger
}

func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("archive directory is empty")
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// FileName returns the archive document name for the report's day.
func FileName(r model.AggregatedReport) string {
	return fmt.Sprintf("archive_%s.html", r.GeneratedAt.Format("2006-01-02"))
}

func (w *Writer) Write(ctx context.Context, r model.AggregatedReport) (model.ArchiveReference, error) {
	if err := ctx.Err(); err != nil {
		return model.ArchiveReference{}, err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return model.ArchiveReference{}, fmt.Errorf("create archive directory: %w", err)
	}

	name := FileName(r)
	path := filepath.Join(w.dir, name)

	section, err := renderSection(r)
	if err != nil {
		return model.ArchiveReference{}, err
	}

	existing, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		existing = nil
	case err != nil:
		return model.ArchiveReference{}, fmt.Errorf("read archive %s: %w", name, err)
	}

	var document string
	if len(bytes.TrimSpace(existing)) == 0 {
		document, err = renderDocument(section)
	} else {
		document, err = appendSection(existing, r.RunID, section)
	}
	if err != nil {
		return model.ArchiveReference{}, err
	}

	if err := writeAtomic(path, []byte(document)); err != nil {
		return model.ArchiveReference{}, err
	}

	if w.logger != nil {
		w.logger.Info("archive written", "path", path, "appended", len(existing) > 0)
	}
	return model.ArchiveReference{Path: path, Name: name}, nil
}

func sectionID(runID string) string {
	return "run-" + runID
}

// appendSection inserts section at the end of the existing document body,
// replacing a previous section of the same run.
func appendSection(existing []byte, runID, section string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(existing))
	if err != nil {
		return "", fmt.Errorf("parse archive: %w", err)
	}

	doc.Find("section").FilterFunction(func(_ int, s *goquery.Selection) bool {
		id, _ := s.Attr("id")
		return id == sectionID(runID)
	}).Remove()

	doc.Find("body").AppendHtml(section + "\n")

	html, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return "", fmt.Errorf("render archive: %w", err)
	}
	return html, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Mail digest archive</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Arial,sans-serif;line-height:1.6;padding:24px;color:#222;}
h1,h2,h3{margin:0.2em 0;}
ul{margin:0.2em 0 0.8em 1.2em;}
li{margin:0.2em 0;}
.section{margin-bottom:1.2em;padding-bottom:0.8em;border-bottom:1px solid #eee;}
.meta{color:#666;font-size:0.95em;}
.failed{color:#b00020;}
</style>
</head>
<body>
<h1>Mail digest archive</h1>
{{.}}
</body>
</html>
`))

var sectionTemplate = template.Must(template.New("section").Funcs(template.FuncMap{
	"card": func(s string) template.HTML { return template.HTML(s) },
	"when": func(r model.SummaryResult) string {
		if r.Date.IsZero() {
			return ""
		}
		return r.Date.Format("2006-01-02 15:04 MST")
	},
}).Parse(`<section class="section" id="run-{{.RunID}}">
<h2 class="meta">Mail digest {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</h2>
<p class="meta">{{.Attempted}} attempted, {{.Succeeded}} succeeded, {{.Failed}} failed</p>
{{range .Results}}<article>
<h3>{{.Subject}}</h3>
<ul>
<li>From: {{.Sender}}</li>{{with when .}}
<li>Date: {{.}}</li>{{end}}
<li>ID: {{.MessageID}}</li>{{if .Attachments}}
<li>Attachments: {{range $i, $a := .Attachments}}{{if $i}}, {{end}}{{$a}}{{end}}</li>{{end}}
</ul>
{{if .OK}}{{card .Summary}}{{else}}<p class="failed"><strong>FAILED</strong>: {{.Detail}}</p>{{end}}
</article>
{{end}}{{if .Skipped}}<h3>Skipped</h3>
<ul>
{{range .Skipped}}<li>{{.DisplaySubject}} ({{.DisplaySender}})</li>
{{end}}</ul>
{{end}}</section>`))

func renderSection(r model.AggregatedReport) (string, error) {
	var buf bytes.Buffer
	if err := sectionTemplate.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render archive section: %w", err)
	}
	return buf.String(), nil
}

func renderDocument(section string) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, template.HTML(section)); err != nil {
		return "", fmt.Errorf("render archive document: %w", err)
	}
	return buf.String(), nil
}
