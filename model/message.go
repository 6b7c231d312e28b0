package model

import "time"

// MailMessage is a single candidate message fetched from a mailbox for one run.
type MailMessage struct {
	ID          string
	UID         uint32
	Sender      string
	SenderAddr  string
	Subject     string
	Date        time.Time
	Body        string
	Attachments []string
	Size        int64
}

// DisplaySender prefers the display name and falls back to the address.
func (m MailMessage) DisplaySender() string {
	if m.Sender != "" {
		return m.Sender
	}
	if m.SenderAddr != "" {
		return m.SenderAddr
	}
	return "(unknown sender)"
}

// DisplaySubject never returns an empty string.
func (m MailMessage) DisplaySubject() string {
	if m.Subject != "" {
		return m.Subject
	}
	return "(no subject)"
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message MailMessage
	Err     error
}
