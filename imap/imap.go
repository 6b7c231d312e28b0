package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-digest/mailparse"
	"github.com/dhcgn/mail-digest/model"
)

const DefaultFolder = "INBOX"

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// Fetcher reads candidate messages from an IMAP mailbox. The folder is selected
// read-only and bodies are fetched with BODY.PEEK[], so no flags change.
type Fetcher struct {
	opts   Options
	logger *slog.Logger
}

func NewFetcher(opts Options, logger *slog.Logger) (*Fetcher, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap user is empty")
	}
	return &Fetcher{opts: opts, logger: logger}, nil
}

// Fetch returns up to limit messages, newest first. Without includeAll only
// messages lacking the \Seen flag are considered.
func (f *Fetcher) Fetch(ctx context.Context, limit int, includeAll bool) ([]model.MailMessage, error) {
	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	folder := f.folder()
	if _, err := client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	criteria := &imapv2.SearchCriteria{}
	if !includeAll {
		criteria.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	uids := newestUIDs(searchData.AllUIDs(), limit)
	if f.logger != nil {
		f.logger.Debug("imap search finished", "folder", folder, "unseenOnly", !includeAll, "selected", len(uids))
	}
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		Envelope:    true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imapv2.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	byUID := make(map[imapv2.UID]model.MailMessage, len(uids))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			if f.logger != nil {
				f.logger.Warn("imap message skipped", "err", err)
			}
			continue
		}

		message, err := messageFromParts(uint32(buf.UID), buf.Envelope, buf.FindBodySection(bodySection), buf.RFC822Size)
		if err != nil {
			if f.logger != nil {
				f.logger.Warn("imap message unparsable", "uid", buf.UID, "err", err)
			}
			continue
		}
		byUID[buf.UID] = message
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", folder, err)
	}

	messages := make([]model.MailMessage, 0, len(byUID))
	for _, uid := range uids {
		if message, ok := byUID[uid]; ok {
			messages = append(messages, message)
		}
	}
	return messages, nil
}

// newestUIDs orders uids newest first and keeps at most limit of them.
func newestUIDs(uids []imapv2.UID, limit int) []imapv2.UID {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	slices.Reverse(sorted)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// messageFromParts prefers envelope fields, which the server has already
// decoded, and takes body and attachments from the raw message.
func messageFromParts(uid uint32, env *imapv2.Envelope, raw []byte, size int64) (model.MailMessage, error) {
	var parsed mailparse.Parsed
	if len(raw) > 0 {
		var err error
		parsed, err = mailparse.Parse(raw)
		if err != nil {
			return model.MailMessage{}, err
		}
	}

	if env != nil {
		if id := model.NormalizeMessageID(env.MessageID); id != "" {
			parsed.MessageID = id
		}
		if subject := strings.TrimSpace(env.Subject); subject != "" {
			parsed.Subject = subject
		}
		if !env.Date.IsZero() {
			parsed.Date = env.Date
		}
		if len(env.From) > 0 {
			from := env.From[0]
			parsed.Sender = strings.TrimSpace(from.Name)
			parsed.SenderAddr = from.Addr()
		}
	}

	if size <= 0 {
		size = int64(len(raw))
	}
	return parsed.Message(uid, size), nil
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	if f.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if f.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if f.logger != nil {
		f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "folder", f.folder(), "tls", f.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if f.logger != nil {
					f.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && f.logger != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (f *Fetcher) folder() string {
	if f.opts.Folder == "" {
		return DefaultFolder
	}
	return f.opts.Folder
}
