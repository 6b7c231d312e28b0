package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-digest/model"
)

// Parsed holds the decoded header fields and readable content of one RFC 5322 message.
type Parsed struct {
	MessageID   string
	Sender      string
	SenderAddr  string
	Subject     string
	Date        time.Time
	Status      string
	TextBody    string
	HTMLBody    string
	Attachments []string
}

// Body prefers the plain-text part and falls back to the HTML part rendered as text.
func (p Parsed) Body() string {
	if text := strings.TrimSpace(p.TextBody); text != "" {
		return text
	}
	if p.HTMLBody != "" {
		return HTMLToText(p.HTMLBody)
	}
	return ""
}

// Message converts the parsed content into a pipeline message, resolving its identifier.
func (p Parsed) Message(uid uint32, size int64) model.MailMessage {
	body := p.Body()
	return model.MailMessage{
		ID:          model.ResolveID(p.MessageID, p.senderKey(), p.Subject, p.Date, body),
		UID:         uid,
		Sender:      p.Sender,
		SenderAddr:  p.SenderAddr,
		Subject:     p.Subject,
		Date:        p.Date,
		Body:        body,
		Attachments: p.Attachments,
		Size:        size,
	}
}

// Seen reports whether an mbox Status header marks the message as read.
func (p Parsed) Seen() bool {
	return strings.ContainsRune(p.Status, 'R')
}

func (p Parsed) senderKey() string {
	if p.SenderAddr != "" {
		return p.SenderAddr
	}
	return p.Sender
}

// Parse decodes a raw message. Unknown charsets are tolerated; the affected
// parts are read undecoded.
func Parse(raw []byte) (Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Parsed{}, fmt.Errorf("read message header: %w", err)
	}
	defer mr.Close()

	parsed := parseHeader(mr.Header)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			// Keep whatever was decoded so far.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				parsed.TextBody += string(body)
			case strings.HasPrefix(contentType, "text/html"):
				parsed.HTMLBody += string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				filename = "(unnamed attachment)"
			}
			parsed.Attachments = append(parsed.Attachments, filename)
		}
	}

	return parsed, nil
}

func parseHeader(h mail.Header) Parsed {
	var parsed Parsed

	if id, err := h.MessageID(); err == nil {
		parsed.MessageID = id
	}
	if parsed.MessageID == "" {
		parsed.MessageID = model.NormalizeMessageID(h.Get("Message-Id"))
	}

	if subject, err := h.Subject(); err == nil {
		parsed.Subject = strings.TrimSpace(subject)
	} else {
		parsed.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		parsed.Sender = strings.TrimSpace(from[0].Name)
		parsed.SenderAddr = strings.TrimSpace(from[0].Address)
	} else {
		parsed.Sender = strings.TrimSpace(h.Get("From"))
	}

	if date, err := h.Date(); err == nil {
		parsed.Date = date
	}

	parsed.Status = strings.TrimSpace(h.Get("Status") + h.Get("X-Status"))

	return parsed
}

var (
	blockElements = "p, div, li, tr, h1, h2, h3, h4, h5, h6, blockquote, pre, table"
	spaceRun      = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML document as readable plain text without scripts
// or styles.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}

	doc.Find("script, style, head, img, noscript").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text := strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
