package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dhcgn/mail-digest/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Mode says how configured patterns decide whether a message is summarized.
type Mode int

const (
	ModeOff Mode = iota
	// ModeInclude keeps only messages matching at least one pattern.
	ModeInclude
	// ModeExclude drops messages matching any pattern.
	ModeExclude
)

func (m Mode) String() string {
	switch m {
	case ModeInclude:
		return "include"
	case ModeExclude:
		return "exclude"
	}
	return "off"
}

type rules struct {
	header []*regexp.Regexp
	body   []*regexp.Regexp
}

func (r rules) empty() bool {
	return len(r.header) == 0 && len(r.body) == 0
}

// firstMatch returns the first pattern that matches the rendered header or
// the body. Header text is only built when a header pattern exists.
func (r rules) firstMatch(msg model.MailMessage) (*regexp.Regexp, bool) {
	if len(r.header) > 0 {
		text := headerLines(msg)
		for _, re := range r.header {
			if re.MatchString(text) {
				return re, true
			}
		}
	}
	for _, re := range r.body {
		if re.MatchString(msg.Body) {
			return re, true
		}
	}
	return nil, false
}

// Filter decides which fetched messages are worth a generation call.
type Filter struct {
	mode  Mode
	rules rules
}

// New compiles opts. Include and exclude patterns cannot be combined.
func New(opts Options) (*Filter, error) {
	include, err := compileRules("include", opts.IncludeHeader, opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	exclude, err := compileRules("exclude", opts.ExcludeHeader, opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	switch {
	case !include.empty() && !exclude.empty():
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	case !include.empty():
		return &Filter{mode: ModeInclude, rules: include}, nil
	case !exclude.empty():
		return &Filter{mode: ModeExclude, rules: exclude}, nil
	}
	return &Filter{mode: ModeOff}, nil
}

// Mode reports how the filter was configured.
func (f *Filter) Mode() Mode {
	if f == nil {
		return ModeOff
	}
	return f.mode
}

// Active reports whether any pattern was configured.
func (f *Filter) Active() bool {
	return f.Mode() != ModeOff
}

// Allows reports whether msg passes. Header patterns see From, Subject, Date
// and Message-ID lines in the usual "Name: value" form.
func (f *Filter) Allows(msg model.MailMessage) bool {
	ok, _ := f.decide(msg)
	return ok
}

// Reason explains why msg would be skipped, or returns "" when it passes.
func (f *Filter) Reason(msg model.MailMessage) string {
	_, reason := f.decide(msg)
	return reason
}

func (f *Filter) decide(msg model.MailMessage) (bool, string) {
	switch f.Mode() {
	case ModeInclude:
		if _, ok := f.rules.firstMatch(msg); ok {
			return true, ""
		}
		return false, "no include pattern matched"
	case ModeExclude:
		if re, ok := f.rules.firstMatch(msg); ok {
			return false, fmt.Sprintf("matched exclude pattern %q", re.String())
		}
	}
	return true, ""
}

// Partition splits msgs into those the filter allows and those it rejects,
// keeping the input order in both.
func (f *Filter) Partition(msgs []model.MailMessage) (kept, skipped []model.MailMessage) {
	kept = make([]model.MailMessage, 0, len(msgs))
	for _, msg := range msgs {
		if f.Allows(msg) {
			kept = append(kept, msg)
			continue
		}
		skipped = append(skipped, msg)
	}
	return kept, skipped
}

func headerLines(msg model.MailMessage) string {
	var b strings.Builder
	b.WriteString("From: ")
	switch {
	case msg.Sender != "" && msg.SenderAddr != "":
		fmt.Fprintf(&b, "%s <%s>", msg.Sender, msg.SenderAddr)
	case msg.SenderAddr != "":
		b.WriteString(msg.SenderAddr)
	default:
		b.WriteString(msg.Sender)
	}
	b.WriteString("\nSubject: ")
	b.WriteString(msg.Subject)
	if !msg.Date.IsZero() {
		b.WriteString("\nDate: ")
		b.WriteString(msg.Date.Format(time.RFC1123Z))
	}
	b.WriteString("\nMessage-ID: ")
	b.WriteString(msg.ID)
	b.WriteString("\n")
	return b.String()
}

func compileRules(kind string, header, body []string) (rules, error) {
	var (
		r   rules
		err error
	)
	if r.header, err = compilePatterns(header); err != nil {
		return rules{}, fmt.Errorf("compile %s-header pattern: %w", kind, err)
	}
	if r.body, err = compilePatterns(body); err != nil {
		return rules{}, fmt.Errorf("compile %s-body pattern: %w", kind, err)
	}
	return r, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var compiled []*regexp.Regexp
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
