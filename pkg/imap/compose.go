package imap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing is a single part message to be appended to a mailbox.
type Outgoing struct {
	From        string
	To          string
	Subject     string
	ContentType string // "text/plain" or "text/html"
	Body        string
	InReplyTo   string
	RunID       string
}

// Compose renders msg as RFC 5322 bytes.
func Compose(msg Outgoing) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	if msg.From != "" {
		h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	}
	if msg.To != "" {
		h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	}
	if id := strings.Trim(msg.InReplyTo, "<> "); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}
	if msg.RunID != "" {
		h.Set(GeneratedHeader, msg.RunID)
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
