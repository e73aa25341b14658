package imap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// GeneratedHeader carries the run id on every message this service appends,
// so later searches can tell it apart from real mail.
const GeneratedHeader = "X-Mailpipe-Run"

// ErrLogin means the server rejected the credentials.
var ErrLogin = errors.New("imap login failed")

// Credentials identify an IMAP account. Host is "host:port".
type Credentials struct {
	Host     string
	Username string
	Password string
}

// Ref is a message located by SearchWindow. ID is "<uidvalidity>.<uid>"
// so it stays stable across sessions.
type Ref struct {
	ID         string
	MessageID  string
	ReceivedAt time.Time
}

// Message is a fetched message with its text body.
type Message struct {
	ID         string
	MessageID  string
	InReplyTo  string
	From       string
	To         []string
	Subject    string
	Body       string
	HTML       bool
	ReceivedAt time.Time
	Generated  bool
}

// Dialer opens a connection to addr.
type Dialer func(addr string) (*client.Client, error)

type Service struct {
	dial    Dialer
	timeout time.Duration
}

// NewService dials with implicit TLS.
func NewService(timeout time.Duration) *Service {
	return NewServiceWithDialer(func(addr string) (*client.Client, error) {
		return client.DialTLS(addr, nil)
	}, timeout)
}

func NewServiceWithDialer(dial Dialer, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{dial: dial, timeout: timeout}
}

// session logs in and runs fn. The connection is torn down when ctx ends.
func (s *Service) session(ctx context.Context, creds Credentials, fn func(c *client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := s.dial(creds.Host)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", creds.Host, err)
	}
	c.Timeout = s.timeout
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer func() {
		stop()
		_ = c.Logout()
	}()

	if err := c.Login(creds.Username, creds.Password); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return fmt.Errorf("failed to log in: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrLogin, err)
	}
	if err := fn(c); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}

// SearchWindow returns INBOX messages whose internal date falls within
// [start, end], newest first, at most limit. Messages carrying
// GeneratedHeader are left out.
func (s *Service) SearchWindow(ctx context.Context, creds Credentials, start, end time.Time, limit int) ([]Ref, error) {
	var refs []Ref
	err := s.session(ctx, creds, func(c *client.Client) error {
		mbox, err := c.Select("INBOX", true)
		if err != nil {
			return fmt.Errorf("failed to select INBOX: %w", err)
		}

		// SINCE and BEFORE have day granularity; the exact bound is applied
		// to the internal date below
		criteria := imap.NewSearchCriteria()
		criteria.Since = start.UTC().Truncate(24 * time.Hour)
		criteria.Before = end.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search INBOX: %w", err)
		}
		if len(uids) == 0 {
			return nil
		}

		seqset := new(imap.SeqSet)
		seqset.AddNum(uids...)
		marker := &imap.BodySectionName{
			BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier, Fields: []string{GeneratedHeader}},
			Peek:         true,
		}
		items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, imap.FetchEnvelope, marker.FetchItem()}
		messages := make(chan *imap.Message, 16)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqset, items, messages)
		}()

		for msg := range messages {
			received := msg.InternalDate.UTC()
			if received.Before(start) || received.After(end) {
				continue
			}
			if generated(msg.GetBody(marker)) {
				continue
			}
			ref := Ref{ID: formatID(mbox.UidValidity, msg.Uid), ReceivedAt: received}
			if msg.Envelope != nil {
				ref.MessageID = msg.Envelope.MessageId
			}
			refs = append(refs, ref)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch envelopes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].ReceivedAt.After(refs[j].ReceivedAt) })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// FetchMessage loads one INBOX message by the id SearchWindow returned.
func (s *Service) FetchMessage(ctx context.Context, creds Credentials, id string) (*Message, error) {
	validity, uid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var out *Message
	err = s.session(ctx, creds, func(c *client.Client) error {
		mbox, err := c.Select("INBOX", true)
		if err != nil {
			return fmt.Errorf("failed to select INBOX: %w", err)
		}
		if mbox.UidValidity != validity {
			return fmt.Errorf("%w: uid validity changed", ErrNoSuchMessage)
		}

		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		section := &imap.BodySectionName{Peek: true}
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}, messages)
		}()

		var raw *imap.Message
		for msg := range messages {
			raw = msg
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		if raw == nil {
			return ErrNoSuchMessage
		}

		body := raw.GetBody(section)
		if body == nil {
			return fmt.Errorf("server returned no body for %s", id)
		}
		out, err = parseMessage(body)
		if err != nil {
			return err
		}
		out.ID = id
		out.ReceivedAt = raw.InternalDate.UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Append stores a raw RFC 5322 message in mailbox, creating the mailbox
// when it does not exist.
func (s *Service) Append(ctx context.Context, creds Credentials, mailbox string, flags []string, raw []byte) error {
	return s.session(ctx, creds, func(c *client.Client) error {
		err := c.Append(mailbox, flags, time.Now(), bytes.NewBuffer(raw))
		if err == nil {
			return nil
		}
		if createErr := c.Create(mailbox); createErr != nil {
			return fmt.Errorf("failed to append to %s: %w", mailbox, err)
		}
		if err := c.Append(mailbox, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
			return fmt.Errorf("failed to append to %s: %w", mailbox, err)
		}
		return nil
	})
}

// generated reports whether a fetched header section has GeneratedHeader.
func generated(section io.Reader) bool {
	if section == nil {
		return false
	}
	h, err := textproto.ReadHeader(bufio.NewReader(section))
	if err != nil {
		return false
	}
	return h.Get(GeneratedHeader) != ""
}

// ErrNoSuchMessage means the id no longer resolves to a message.
var ErrNoSuchMessage = errors.New("no such message")

func formatID(validity, uid uint32) string {
	return fmt.Sprintf("%d.%d", validity, uid)
}

func parseID(id string) (uint32, uint32, error) {
	validity, uid, ok := strings.Cut(id, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed imap message id %q", id)
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap message id %q", id)
	}
	u, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap message id %q", id)
	}
	return uint32(v), uint32(u), nil
}

// parseMessage reads headers and the first text part of a message.
func parseMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	out := &Message{}
	out.Subject, _ = h.Subject()
	out.MessageID, _ = h.MessageID()
	out.Generated = h.Get(GeneratedHeader) != ""
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].String()
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			out.To = append(out.To, addr.Address)
		}
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF, or a broken trailing part: keep what was read
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		b, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case contentType == "text/plain" && plain == "":
			plain = string(b)
		case contentType == "text/html" && html == "":
			html = string(b)
		case contentType == "" && plain == "":
			plain = string(b)
		}
	}

	if plain != "" {
		out.Body = strings.TrimSpace(plain)
	} else {
		out.Body = strings.TrimSpace(html)
		out.HTML = html != ""
	}
	return out, nil
}
