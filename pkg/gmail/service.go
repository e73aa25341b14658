package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// maxPageSize is the Gmail API maximum for messages.list
const maxPageSize = 500

// GeneratedHeader carries the run id on every message this service writes,
// so later listings can tell it apart from real mail.
const GeneratedHeader = "X-Mailpipe-Run"

// TokenUpdateFunc is called when a token refresh produced a new access
// token, so the caller can persist it.
type TokenUpdateFunc func(token *oauth2.Token) error

// Credentials are a user's stored OAuth tokens.
type Credentials struct {
	UserID       string
	AccessToken  string
	RefreshToken string
}

// MessageRef is one messages.list item.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Message is a fully loaded message reduced to what the pipeline reads.
type Message struct {
	ID         string
	ThreadID   string
	MessageID  string
	From       string
	To         []string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Generated  bool
}

// Draft is a reply draft to be created in the user's mailbox.
type Draft struct {
	RunID     string
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string
}

type Service struct {
	clientID     string
	clientSecret string
	opts         []option.ClientOption
	logger       *zap.Logger

	// token sources survive across calls so a refresh happens only when the
	// access token actually expires
	tokenSources *expirable.LRU[string, *notifyTokenSource]
}

type notifyTokenSource struct {
	mu       sync.Mutex
	src      oauth2.TokenSource
	current  string
	callback TokenUpdateFunc
	logger   *zap.Logger
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != t.AccessToken {
		s.current = t.AccessToken
		if s.callback != nil {
			if err := s.callback(t); err != nil {
				s.logger.Warn("Failed to update token", zap.Error(err))
			}
		}
	}
	return t, nil
}

func NewService(clientID, clientSecret string, logger *zap.Logger, opts ...option.ClientOption) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
		opts:         opts,
		logger:       logger,
		tokenSources: expirable.NewLRU[string, *notifyTokenSource](1024, nil, time.Hour),
	}
}

// GetGmailService creates Gmail service with user's access token
func (s *Service) GetGmailService(ctx context.Context, creds Credentials, onTokenRefresh TokenUpdateFunc) (*gmail.Service, error) {
	client := oauth2.NewClient(ctx, s.tokenSource(creds, onTokenRefresh))

	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, s.opts...)
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

func (s *Service) tokenSource(creds Credentials, onTokenRefresh TokenUpdateFunc) oauth2.TokenSource {
	key := creds.UserID + "\x00" + creds.RefreshToken
	if ts, ok := s.tokenSources.Get(key); ok {
		ts.mu.Lock()
		ts.callback = onTokenRefresh
		ts.mu.Unlock()
		return ts
	}

	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    "Bearer",
	}
	// the stored token has no expiry, so refresh once before first use
	if creds.RefreshToken != "" {
		token.Expiry = time.Now()
	}

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}

	ts := &notifyTokenSource{
		// refreshes outlive the request that triggered them
		src:      config.TokenSource(context.Background(), token),
		current:  creds.AccessToken,
		callback: onTokenRefresh,
		logger:   s.logger,
	}
	s.tokenSources.Add(key, ts)
	return ts
}

// WindowQuery renders a search query matching messages received within
// [start, end]. Gmail's before: bound is exclusive. Sent mail and drafts
// are excluded, which also covers the digests and drafts written back.
func WindowQuery(start, end time.Time) string {
	return fmt.Sprintf("after:%d before:%d -in:sent -in:drafts -in:chats", start.Unix(), end.Unix()+1)
}

// ListMessageIDs pages through messages.list, newest first, stopping at
// limit. On error the refs collected so far are returned with it.
func (s *Service) ListMessageIDs(ctx context.Context, creds Credentials, query string, limit int, onTokenRefresh TokenUpdateFunc) ([]MessageRef, error) {
	srv, err := s.GetGmailService(ctx, creds, onTokenRefresh)
	if err != nil {
		return nil, err
	}

	var refs []MessageRef
	pageToken := ""
	for len(refs) < limit {
		pageSize := limit - len(refs)
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		call := srv.Users.Messages.List("me").Q(query).MaxResults(int64(pageSize)).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return refs, fmt.Errorf("unable to list messages: %w", err)
		}

		for _, m := range resp.Messages {
			if len(refs) == limit {
				break
			}
			refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return refs, nil
}

// GetMessage loads one message with its plain text body.
func (s *Service) GetMessage(ctx context.Context, creds Credentials, id string, onTokenRefresh TokenUpdateFunc) (*Message, error) {
	srv, err := s.GetGmailService(ctx, creds, onTokenRefresh)
	if err != nil {
		return nil, err
	}

	msg, err := srv.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to get message %s: %w", id, err)
	}
	return convertMessage(msg), nil
}

// SendHTML sends an HTML message from the user to themselves or others,
// tagged with runID.
func (s *Service) SendHTML(ctx context.Context, creds Credentials, to, subject, body, runID string, onTokenRefresh TokenUpdateFunc) error {
	srv, err := s.GetGmailService(ctx, creds, onTokenRefresh)
	if err != nil {
		return err
	}

	raw := buildRaw(to, subject, "text/html", body, "", runID)
	_, err = srv.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to send message: %w", err)
	}
	return nil
}

// CreateDraft stores a reply draft threaded under the original message and
// returns its id.
func (s *Service) CreateDraft(ctx context.Context, creds Credentials, d Draft, onTokenRefresh TokenUpdateFunc) (string, error) {
	srv, err := s.GetGmailService(ctx, creds, onTokenRefresh)
	if err != nil {
		return "", err
	}

	draft := &gmail.Draft{
		Message: &gmail.Message{
			Raw:      buildRaw(d.To, d.Subject, "text/plain", d.Body, d.InReplyTo, d.RunID),
			ThreadId: d.ThreadID,
		},
	}
	created, err := srv.Users.Drafts.Create("me", draft).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to create draft: %w", err)
	}
	return created.Id, nil
}

// Watch sets up push notifications for the user's inbox and returns the
// history id the watch starts from.
func (s *Service) Watch(ctx context.Context, creds Credentials, topicName string, onTokenRefresh TokenUpdateFunc) (uint64, error) {
	srv, err := s.GetGmailService(ctx, creds, onTokenRefresh)
	if err != nil {
		return 0, err
	}

	// only one push client is allowed per user
	_ = srv.Users.Stop("me").Context(ctx).Do()

	req := &gmail.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := srv.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("unable to watch mailbox: %w", err)
	}
	s.logger.Info("Mailbox watch started",
		zap.String("user_id", creds.UserID),
		zap.Int64("expiration", resp.Expiration),
		zap.Uint64("history_id", resp.HistoryId))
	return resp.HistoryId, nil
}

// Stop stops push notifications for the user's mailbox
func (s *Service) Stop(ctx context.Context, creds Credentials, onTokenRefresh TokenUpdateFunc) error {
	srv, err := s.GetGmailService(ctx, creds, onTokenRefresh)
	if err != nil {
		return err
	}
	if err := srv.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("unable to stop mailbox watch: %w", err)
	}
	return nil
}

// Helper functions

func buildRaw(to, subject, contentType, body, inReplyTo, runID string) string {
	var msg bytes.Buffer
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	// Encode subject to handle non-ASCII characters (RFC 2047)
	msg.WriteString(fmt.Sprintf("Subject: =?utf-8?B?%s?=\r\n", base64.StdEncoding.EncodeToString([]byte(subject))))
	if inReplyTo != "" {
		msg.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", inReplyTo))
		msg.WriteString(fmt.Sprintf("References: %s\r\n", inReplyTo))
	}
	if runID != "" {
		msg.WriteString(fmt.Sprintf("%s: %s\r\n", GeneratedHeader, runID))
	}
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("Content-Type: %s; charset=\"UTF-8\"\r\n", contentType))
	msg.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

	encoded := base64.StdEncoding.EncodeToString([]byte(body))
	// Split base64 into lines of 76 characters
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		msg.WriteString(encoded[i:end] + "\r\n")
	}
	return base64.URLEncoding.EncodeToString(msg.Bytes())
}

func convertMessage(msg *gmail.Message) *Message {
	out := &Message{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		return out
	}

	headers := msg.Payload.Headers
	out.From = getHeader(headers, "From")
	out.Subject = getHeader(headers, "Subject")
	out.MessageID = getHeader(headers, "Message-ID")
	out.Generated = getHeader(headers, GeneratedHeader) != ""
	for _, addr := range strings.Split(getHeader(headers, "To"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out.To = append(out.To, addr)
		}
	}

	body, isHTML := getEmailBody(msg.Payload)
	if isHTML {
		body = PlainText(body)
	}
	out.Body = strings.TrimSpace(body)
	return out
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

func decodeBody(data string) (string, bool) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	return "", false
}

// getEmailBody prefers text/plain over text/html, since the pipeline reads
// text.
func getEmailBody(payload *gmail.MessagePart) (string, bool) {
	// If the payload itself is the body
	if payload.Body != nil && payload.Body.Data != "" {
		if data, ok := decodeBody(payload.Body.Data); ok {
			return data, payload.MimeType == "text/html"
		}
	}

	var htmlBody, plainBody string
	var findBody func(parts []*gmail.MessagePart)
	findBody = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
				switch part.MimeType {
				case "text/plain":
					if data, ok := decodeBody(part.Body.Data); ok && plainBody == "" {
						plainBody = data
					}
				case "text/html":
					if data, ok := decodeBody(part.Body.Data); ok && htmlBody == "" {
						htmlBody = data
					}
				}
			}
			if len(part.Parts) > 0 {
				findBody(part.Parts)
			}
		}
	}
	findBody(payload.Parts)

	if plainBody != "" {
		return plainBody, false
	}
	return htmlBody, htmlBody != ""
}

var (
	blockTagRe = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/tr|/h[1-6])[^>]*>`)
	dropRe     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe      = regexp.MustCompile(`<[^>]*>`)
)

// PlainText reduces an HTML body to readable text, keeping line breaks at
// block boundaries.
func PlainText(s string) string {
	s = dropRe.ReplaceAllString(s, " ")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
