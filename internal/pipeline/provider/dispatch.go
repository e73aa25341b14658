package provider

import (
	"context"
	"fmt"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/pkg/fcm"
	"mailpipe-backend/pkg/gmail"
	"mailpipe-backend/pkg/imap"

	"go.uber.org/zap"
)

// Dispatcher delivers notifier actions to the user's own mailbox.
type Dispatcher interface {
	SendDigest(ctx context.Context, user *authdomain.User, digest domain.Digest) error
	// CreateDraft returns the provider's draft id when it has one.
	CreateDraft(ctx context.Context, user *authdomain.User, draft domain.ReplyDraft) (string, error)
}

type GmailDispatcher struct {
	provider *GmailProvider
}

// NewGmailDispatcher shares the provider's token write-back.
func NewGmailDispatcher(provider *GmailProvider) *GmailDispatcher {
	return &GmailDispatcher{provider: provider}
}

func (d *GmailDispatcher) SendDigest(ctx context.Context, user *authdomain.User, digest domain.Digest) error {
	err := d.provider.svc.SendHTML(ctx, gmailCredentials(user), digest.To, digest.Subject, digest.HTML, digest.RunID, d.provider.onTokenRefresh(user))
	return translateGoogleError(err)
}

func (d *GmailDispatcher) CreateDraft(ctx context.Context, user *authdomain.User, draft domain.ReplyDraft) (string, error) {
	id, err := d.provider.svc.CreateDraft(ctx, gmailCredentials(user), gmail.Draft{
		RunID:     draft.RunID,
		To:        draft.To,
		Subject:   draft.Subject,
		Body:      draft.Body,
		ThreadID:  draft.ThreadID,
		InReplyTo: draft.InReplyTo,
	}, d.provider.onTokenRefresh(user))
	if err != nil {
		return "", translateGoogleError(err)
	}
	return id, nil
}

const (
	inboxMailbox  = "INBOX"
	draftsMailbox = "Drafts"
)

// IMAPDispatcher has no outbound transport: digests are appended to the
// user's INBOX and drafts to the Drafts mailbox. Both carry the run id in
// imap.GeneratedHeader, so SearchWindow does not list them again.
type IMAPDispatcher struct {
	svc *imap.Service
}

func NewIMAPDispatcher(svc *imap.Service) *IMAPDispatcher {
	return &IMAPDispatcher{svc: svc}
}

func (d *IMAPDispatcher) SendDigest(ctx context.Context, user *authdomain.User, digest domain.Digest) error {
	raw, err := imap.Compose(imap.Outgoing{
		From:        user.Email,
		To:          digest.To,
		Subject:     digest.Subject,
		ContentType: "text/html",
		Body:        digest.HTML,
		RunID:       digest.RunID,
	})
	if err != nil {
		return err
	}
	return translateIMAPError(d.svc.Append(ctx, imapCredentials(user), inboxMailbox, nil, raw))
}

func (d *IMAPDispatcher) CreateDraft(ctx context.Context, user *authdomain.User, draft domain.ReplyDraft) (string, error) {
	raw, err := imap.Compose(imap.Outgoing{
		From:      user.Email,
		To:        draft.To,
		Subject:   draft.Subject,
		Body:      draft.Body,
		InReplyTo: draft.InReplyTo,
		RunID:     draft.RunID,
	})
	if err != nil {
		return "", err
	}
	if err := d.svc.Append(ctx, imapCredentials(user), draftsMailbox, []string{`\Draft`}, raw); err != nil {
		return "", translateIMAPError(err)
	}
	return "", nil
}

// DispatchRouter picks the dispatcher matching the user's provider.
type DispatchRouter struct {
	gmail Dispatcher
	imap  Dispatcher
}

func NewDispatchRouter(gmailDispatcher, imapDispatcher Dispatcher) *DispatchRouter {
	return &DispatchRouter{gmail: gmailDispatcher, imap: imapDispatcher}
}

func (r *DispatchRouter) pick(user *authdomain.User) (Dispatcher, error) {
	switch user.Provider {
	case authdomain.ProviderGoogle, "":
		if r.gmail != nil {
			return r.gmail, nil
		}
	case authdomain.ProviderIMAP:
		if r.imap != nil {
			return r.imap, nil
		}
	}
	return nil, fmt.Errorf("no dispatcher configured for %q", user.Provider)
}

func (r *DispatchRouter) SendDigest(ctx context.Context, user *authdomain.User, digest domain.Digest) error {
	d, err := r.pick(user)
	if err != nil {
		return err
	}
	return d.SendDigest(ctx, user, digest)
}

func (r *DispatchRouter) CreateDraft(ctx context.Context, user *authdomain.User, draft domain.ReplyDraft) (string, error) {
	d, err := r.pick(user)
	if err != nil {
		return "", err
	}
	return d.CreateDraft(ctx, user, draft)
}

// Pusher sends a device notification to every token a user registered.
type Pusher interface {
	Push(ctx context.Context, userID string, push domain.Push) error
}

// DeviceTokenStore is the subset of the FCM token repository the pusher needs.
type DeviceTokenStore interface {
	GetTokensByUserID(ctx context.Context, userID string) ([]authdomain.FCMToken, error)
	DeleteToken(ctx context.Context, token string) error
}

type multicaster interface {
	SendToDevices(ctx context.Context, tokens []string, notification fcm.NotificationData) ([]string, error)
}

type FCMPusher struct {
	client multicaster
	tokens DeviceTokenStore
	logger *zap.Logger
}

func NewFCMPusher(client *fcm.Client, tokens DeviceTokenStore, logger *zap.Logger) *FCMPusher {
	return &FCMPusher{client: client, tokens: tokens, logger: logger}
}

// Push fans out to the user's devices and prunes tokens FCM rejected.
func (p *FCMPusher) Push(ctx context.Context, userID string, push domain.Push) error {
	registered, err := p.tokens.GetTokensByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load device tokens: %w", err)
	}
	if len(registered) == 0 {
		return nil
	}

	tokens := make([]string, 0, len(registered))
	for _, t := range registered {
		tokens = append(tokens, t.Token)
	}

	failed, err := p.client.SendToDevices(ctx, tokens, fcm.NotificationData{
		Title: push.Title,
		Body:  push.Body,
		Data:  push.Data,
	})
	if err != nil {
		return err
	}

	for _, token := range failed {
		if err := p.tokens.DeleteToken(ctx, token); err != nil {
			p.logger.Warn("Failed to prune device token", zap.String("user_id", userID), zap.Error(err))
		}
	}
	if len(failed) > 0 {
		p.logger.Info("Pruned rejected device tokens", zap.String("user_id", userID), zap.Int("count", len(failed)))
	}
	return nil
}
