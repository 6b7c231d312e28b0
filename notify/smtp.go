package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-digest/model"
)

const (
	implicitTLSPort = 465
	dialTimeout     = 30 * time.Second
)

type SMTPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	InsecureSkipVerify bool
}

// SMTPSender delivers notifications over SMTP. Port 465 uses implicit TLS,
// every other port upgrades with STARTTLS.
type SMTPSender struct {
	opts      SMTPOptions
	logger    *slog.Logger
	now       func() time.Time
	transport func(ctx context.Context, from string, to []string, data []byte) error
}

func NewSMTPSender(opts SMTPOptions, logger *slog.Logger) (*SMTPSender, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive")
	}
	if opts.From == "" {
		opts.From = opts.Username
	}
	if opts.From == "" {
		return nil, fmt.Errorf("smtp sender address is empty")
	}

	s := &SMTPSender{opts: opts, logger: logger, now: time.Now}
	s.transport = s.deliver
	return s, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg model.NotificationMessage) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("notification has no recipients")
	}

	data, err := Render(msg, s.opts.From, s.now())
	if err != nil {
		return err
	}

	if err := s.transport(ctx, s.opts.From, msg.To, data); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Info("notification sent", "to", strings.Join(msg.To, ","), "subject", msg.Subject, "bytes", len(data), "attachment", msg.Attachment != nil)
	}
	return nil
}

// Render encodes the notification as a MIME message: a multipart/alternative
// text and HTML body, plus the archive document when one is attached.
func Render(msg model.NotificationMessage, from string, date time.Time) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse sender %q: %w", from, err)
	}
	to := make([]*mail.Address, 0, len(msg.To))
	for _, rcpt := range msg.To {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", rcpt, err)
		}
		to = append(to, addr)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mime writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	if err := writeInline(tw, "text/plain", msg.TextBody); err != nil {
		return nil, err
	}
	if err := writeInline(tw, "text/html", msg.HTMLBody); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline part: %w", err)
	}

	if msg.Attachment != nil {
		if err := writeAttachment(mw, *msg.Attachment); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s part: %w", contentType, err)
	}
	return nil
}

func writeAttachment(mw *mail.Writer, ref model.ArchiveReference) error {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", ref.Name, err)
	}

	contentType := mime.TypeByExtension(extension(ref.Name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	contentType, _, _ = strings.Cut(contentType, ";")

	var h mail.AttachmentHeader
	h.SetContentType(contentType, nil)
	h.SetFilename(ref.Name)
	w, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close attachment: %w", err)
	}
	return nil
}

func extension(name string) string {
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[idx:]
	}
	return ""
}

func (s *SMTPSender) deliver(ctx context.Context, from string, to []string, data []byte) error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	tlsConfig := &tls.Config{ServerName: s.opts.Host, InsecureSkipVerify: s.opts.InsecureSkipVerify}

	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if s.opts.Port == implicitTLSPort {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopClose()

	client, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if s.opts.Port != implicitTLSPort {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if s.opts.Username != "" {
		auth := smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	envelopeFrom := from
	if addr, err := mail.ParseAddress(from); err == nil {
		envelopeFrom = addr.Address
	}
	if err := client.Mail(envelopeFrom); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		rcptAddr := rcpt
		if addr, err := mail.ParseAddress(rcpt); err == nil {
			rcptAddr = addr.Address
		}
		if err := client.Rcpt(rcptAddr); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", rcptAddr, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("smtp quit: %w", err)
	}
	return nil
}
