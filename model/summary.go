package model

import (
	"time"
)

// SummaryStatus is the per-message result of a generation call.
type SummaryStatus string

const (
	StatusSuccess SummaryStatus = "success"
	StatusError   SummaryStatus = "error"
)

// SummaryResult is produced exactly once per attempted message and never mutated.
type SummaryResult struct {
	MessageID   string
	Sender      string
	Subject     string
	Date        time.Time
	Attachments []string
	Summary     string
	Status      SummaryStatus
	Err         error
}

// NewSuccess records a generated summary for msg.
func NewSuccess(msg MailMessage, summary string) SummaryResult {
	r := resultFor(msg)
	r.Summary = summary
	r.Status = StatusSuccess
	return r
}

// NewFailure records a failed generation for msg.
func NewFailure(msg MailMessage, err error) SummaryResult {
	r := resultFor(msg)
	r.Status = StatusError
	r.Err = err
	return r
}

func resultFor(msg MailMessage) SummaryResult {
	return SummaryResult{
		MessageID:   msg.ID,
		Sender:      msg.DisplaySender(),
		Subject:     msg.DisplaySubject(),
		Date:        msg.Date,
		Attachments: msg.Attachments,
	}
}

// OK reports whether the generation succeeded.
func (r SummaryResult) OK() bool {
	return r.Status == StatusSuccess
}

// Detail returns the failure cause, or an empty string on success.
func (r SummaryResult) Detail() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// AggregatedReport is the single input to archiving and notification.
type AggregatedReport struct {
	RunID       string
	GeneratedAt time.Time
	Results     []SummaryResult
	Skipped     []MailMessage
	Attempted   int
	Succeeded   int
	Failed      int
}

// FailedResults returns the failed entries in report order.
func (r AggregatedReport) FailedResults() []SummaryResult {
	var failed []SummaryResult
	for _, res := range r.Results {
		if !res.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}

// ArchiveReference points at the persisted report document.
type ArchiveReference struct {
	Path string
	Name string
}

// IsZero reports whether no archive was written.
func (a ArchiveReference) IsZero() bool {
	return a.Path == ""
}

// NotificationMessage is composed once per run and sent once.
type NotificationMessage struct {
	To         []string
	Subject    string
	HTMLBody   string
	TextBody   string
	Attachment *ArchiveReference
}
