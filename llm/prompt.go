package llm

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/mail-digest/model"
)

// maxBodyRunes caps the message text sent to the model.
const maxBodyRunes = 6000

const systemPrompt = `You are an efficient HTML mail assistant. For the e-mail you receive, do three things quickly:

1. Category: choose exactly one of [Academic/Campus, Recruiting/Jobs, Personal/Social, Advertising/Promotion].
2. Rating: give an importance rating of 1 to 5 stars (for example ★★★★☆).
3. Summary: write a 30 to 50 word summary of the core content.

Reply strictly with the HTML card below. It is a fragment: never include <html> or <body> tags.
Use the <table> so that category and rating stay aligned on phones.

<div style="border-bottom: 1px solid #eeeeee; padding: 12px 0px;">
    <p style="margin: 0; padding: 0; font-size: 15px; font-weight: 600; color: #000000;">[subject]</p>
    <table style="width: 100%; margin-top: 8px; font-size: 14px; border-collapse: collapse;">
        <tr>
            <td style="width: 70px; color: #555555; padding: 2px 0;">Category:</td>
            <td style="color: #111111; padding: 2px 0;">[category]</td>
        </tr>
        <tr>
            <td style="color: #555555; padding: 2px 0;">Rating:</td>
            <td style="color: #f39c12; font-size: 18px; font-weight: bold; padding: 2px 0;">[stars]</td>
        </tr>
    </table>
    <p style="margin: 8px 0 0 0; padding: 0; font-size: 14px; color: #333333; line-height: 1.6;">
        [summary]
    </p>
</div>`

func userPrompt(msg model.MailMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", msg.DisplaySubject())
	fmt.Fprintf(&b, "From: %s\n", msg.DisplaySender())
	if !msg.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format(time.RFC1123Z))
	}
	if len(msg.Attachments) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(msg.Attachments, ", "))
	}
	b.WriteString("\nContent:\n")
	b.WriteString(truncateRunes(msg.Body, maxBodyRunes))
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

var allowedCardTags = map[string]bool{
	"div": true, "p": true, "span": true, "table": true, "tbody": true, "tr": true, "td": true,
	"b": true, "strong": true, "em": true, "i": true, "br": true,
}

// SanitizeCard keeps only the card markup the model is asked to produce.
// Other elements are unwrapped to their text. Of the attributes only the
// whitelisted inline style declarations survive.
func SanitizeCard(raw string) string {
	raw = stripCodeFence(raw)
	if raw == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body>" + raw + "</body></html>"))
	if err != nil {
		return ""
	}
	body := doc.Find("body")

	body.Find("script, style, iframe, object, embed, head, title, meta, link").Remove()
	body.Find("*").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		if !allowedCardTags[name] {
			if s.Contents().Length() == 0 {
				s.Remove()
				return
			}
			s.Contents().Unwrap()
			return
		}
		style, hasStyle := s.Attr("style")
		var drop []string
		for _, attr := range s.Nodes[0].Attr {
			drop = append(drop, attr.Key)
		}
		for _, key := range drop {
			s.RemoveAttr(key)
		}
		if hasStyle {
			if clean := cleanStyle(style); clean != "" {
				s.SetAttr("style", clean)
			}
		}
	})

	if strings.TrimSpace(body.Text()) == "" {
		return ""
	}
	html, err := body.Html()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(html)
}

var (
	styleProperty = regexp.MustCompile(`^(color|width|text-align|line-height|font-(size|weight|style)|(margin|padding)(-(top|right|bottom|left))?|border(-(top|right|bottom|left|collapse|color|style|width|radius))?)$`)
	// No parentheses, backslashes, slashes or quotes in values.
	styleValue = regexp.MustCompile(`^[a-zA-Z0-9#%., -]+$`)
)

// cleanStyle keeps the declarations of an inline style whose property is on
// the card whitelist and whose value is plain. It returns "" when nothing
// survives.
func cleanStyle(style string) string {
	var kept []string
	for _, decl := range strings.Split(style, ";") {
		prop, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		value = strings.TrimSpace(value)
		if value == "" || !styleProperty.MatchString(prop) || !styleValue.MatchString(value) {
			continue
		}
		kept = append(kept, prop+": "+value+";")
	}
	return strings.Join(kept, " ")
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
