package llm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dhcgn/mail-digest/model"
)

func TestSanitizeCard(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		contains  []string
		forbidden []string
	}{
		{
			name:     "keeps card markup and style",
			raw:      `<div style="padding: 12px 0px;"><p>Subject</p><table><tr><td>Category:</td><td>Academic/Campus</td></tr></table></div>`,
			contains: []string{`<div style="padding: 12px 0px;">`, "<td>Academic/Campus</td>", "<p>Subject</p>"},
		},
		{
			name:      "drops scripts and links",
			raw:       `<div><script>alert(1)</script><a href="https://evil.example">click</a></div>`,
			contains:  []string{"click"},
			forbidden: []string{"script", "alert", "href", "<a"},
		},
		{
			name:      "drops document wrapper",
			raw:       `<html><head><title>t</title></head><body><p>inner</p></body></html>`,
			contains:  []string{"<p>inner</p>"},
			forbidden: []string{"<html", "<body", "<title"},
		},
		{
			name:      "drops unsafe style",
			raw:       `<div style="background: url(https://tracker.example/x.png)">text</div>`,
			contains:  []string{"<div>text</div>"},
			forbidden: []string{"url("},
		},
		{
			name:      "drops spaced upper-case url",
			raw:       `<div style="background: URL ( 'https://tracker.example/x.png' )">text</div>`,
			contains:  []string{"<div>text</div>"},
			forbidden: []string{"tracker", "style"},
		},
		{
			name:      "drops css escaped url",
			raw:       `<div style="background-image: u\72l(https://tracker.example/x.png)">text</div>`,
			contains:  []string{"<div>text</div>"},
			forbidden: []string{"tracker", "style"},
		},
		{
			name:      "drops comment split expression",
			raw:       `<div style="width: expr/**/ession(alert(1))">text</div>`,
			contains:  []string{"<div>text</div>"},
			forbidden: []string{"ession", "style"},
		},
		{
			name:      "drops url on a whitelisted property",
			raw:       `<div style="border: URL ( 'https://tracker.example/x.png' ); color: #111111">text</div>`,
			contains:  []string{`<div style="color: #111111;">text</div>`},
			forbidden: []string{"tracker", "border"},
		},
		{
			name:      "keeps whitelisted declarations only",
			raw:       `<p style="color: #555555; position: fixed; font-size: 14px; border-bottom: 1px solid #eeeeee">x</p>`,
			contains:  []string{`<p style="color: #555555; font-size: 14px; border-bottom: 1px solid #eeeeee;">x</p>`},
			forbidden: []string{"position"},
		},
		{
			name:     "strips code fence",
			raw:      "```html\n<p>fenced</p>\n```",
			contains: []string{"<p>fenced</p>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeCard(tt.raw)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("SanitizeCard() = %q, missing %q", got, want)
				}
			}
			for _, bad := range tt.forbidden {
				if strings.Contains(got, bad) {
					t.Errorf("SanitizeCard() = %q, must not contain %q", got, bad)
				}
			}
		})
	}
}

func TestSanitizeCardEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "<div><span></span></div>", "```\n```"} {
		if got := SanitizeCard(raw); got != "" {
			t.Errorf("SanitizeCard(%q) = %q, want empty", raw, got)
		}
	}
}

func TestUserPromptTruncatesBody(t *testing.T) {
	msg := model.MailMessage{Subject: "long", Body: strings.Repeat("é", maxBodyRunes+100)}
	prompt := userPrompt(msg)

	if !utf8.ValidString(prompt) {
		t.Fatal("prompt is not valid UTF-8")
	}
	if got := strings.Count(prompt, "é"); got != maxBodyRunes {
		t.Fatalf("prompt carries %d body runes, want %d", got, maxBodyRunes)
	}
	if !strings.HasSuffix(prompt, "…") {
		t.Fatal("truncated prompt should end with an ellipsis")
	}
}

func TestUserPromptPlaceholders(t *testing.T) {
	prompt := userPrompt(model.MailMessage{Body: "hi"})
	if !strings.Contains(prompt, "Subject: (no subject)") || !strings.Contains(prompt, "From: (unknown sender)") {
		t.Fatalf("prompt = %q", prompt)
	}
	if strings.Contains(prompt, "Date:") || strings.Contains(prompt, "Attachments:") {
		t.Fatalf("prompt has empty optional fields: %q", prompt)
	}
}
