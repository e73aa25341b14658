// Package provider adapts mailbox and push services to the pipeline. Every
// adapter returns the sentinels in internal/pipeline/domain.
package provider

import (
	"context"
	"fmt"
	"time"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/pkg/gmail"
	"mailpipe-backend/pkg/imap"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// MailProvider lists and loads messages from one user's mailbox.
type MailProvider interface {
	// List returns refs received within [start, end], newest first, at most
	// limit. On a mid-pagination failure the refs read so far are returned
	// together with the error.
	List(ctx context.Context, user *authdomain.User, start, end time.Time, limit int) ([]domain.MessageRef, error)
	Load(ctx context.Context, user *authdomain.User, ref domain.MessageRef) (*domain.MessageCandidate, error)
}

// TokenStore persists refreshed OAuth tokens.
type TokenStore interface {
	UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string) error
}

type GmailProvider struct {
	svc    *gmail.Service
	tokens TokenStore
	logger *zap.Logger
}

func NewGmailProvider(svc *gmail.Service, tokens TokenStore, logger *zap.Logger) *GmailProvider {
	return &GmailProvider{svc: svc, tokens: tokens, logger: logger}
}

func gmailCredentials(user *authdomain.User) gmail.Credentials {
	return gmail.Credentials{
		UserID:       user.ID,
		AccessToken:  user.AccessToken,
		RefreshToken: user.RefreshToken,
	}
}

// onTokenRefresh writes refreshed tokens back to the user row. The refresh
// may outlive the request that triggered it, so it does not use its context.
func (p *GmailProvider) onTokenRefresh(user *authdomain.User) gmail.TokenUpdateFunc {
	return func(token *oauth2.Token) error {
		if err := p.tokens.UpdateTokens(context.Background(), user.ID, token.AccessToken, token.RefreshToken); err != nil {
			return fmt.Errorf("failed to persist refreshed token: %w", err)
		}
		p.logger.Debug("Persisted refreshed gmail token", zap.String("user_id", user.ID))
		return nil
	}
}

func (p *GmailProvider) List(ctx context.Context, user *authdomain.User, start, end time.Time, limit int) ([]domain.MessageRef, error) {
	refs, err := p.svc.ListMessageIDs(ctx, gmailCredentials(user), gmail.WindowQuery(start, end), limit, p.onTokenRefresh(user))
	out := make([]domain.MessageRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, domain.MessageRef{ID: ref.ID, ThreadID: ref.ThreadID})
	}
	return out, translateGoogleError(err)
}

func (p *GmailProvider) Load(ctx context.Context, user *authdomain.User, ref domain.MessageRef) (*domain.MessageCandidate, error) {
	msg, err := p.svc.GetMessage(ctx, gmailCredentials(user), ref.ID, p.onTokenRefresh(user))
	if err != nil {
		return nil, translateGoogleError(err)
	}
	return &domain.MessageCandidate{
		ID:         msg.ID,
		ThreadID:   msg.ThreadID,
		MessageID:  msg.MessageID,
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
		ReceivedAt: msg.ReceivedAt,
		Generated:  msg.Generated,
	}, nil
}

// Watch (re)starts Gmail push notifications to the Pub/Sub topic and
// returns the history id they start from.
func (p *GmailProvider) Watch(ctx context.Context, user *authdomain.User, topic string) (uint64, error) {
	historyID, err := p.svc.Watch(ctx, gmailCredentials(user), topic, p.onTokenRefresh(user))
	if err != nil {
		return 0, translateGoogleError(err)
	}
	return historyID, nil
}

type IMAPProvider struct {
	svc *imap.Service
}

func NewIMAPProvider(svc *imap.Service) *IMAPProvider {
	return &IMAPProvider{svc: svc}
}

func imapCredentials(user *authdomain.User) imap.Credentials {
	return imap.Credentials{
		Host:     user.IMAPHost,
		Username: user.IMAPUsername,
		Password: user.IMAPPassword,
	}
}

func (p *IMAPProvider) List(ctx context.Context, user *authdomain.User, start, end time.Time, limit int) ([]domain.MessageRef, error) {
	refs, err := p.svc.SearchWindow(ctx, imapCredentials(user), start, end, limit)
	if err != nil {
		return nil, translateIMAPError(err)
	}
	out := make([]domain.MessageRef, 0, len(refs))
	for _, ref := range refs {
		// IMAP has no thread ids; the Message-ID threads replies instead
		out = append(out, domain.MessageRef{ID: ref.ID, ReceivedAt: ref.ReceivedAt})
	}
	return out, nil
}

func (p *IMAPProvider) Load(ctx context.Context, user *authdomain.User, ref domain.MessageRef) (*domain.MessageCandidate, error) {
	msg, err := p.svc.FetchMessage(ctx, imapCredentials(user), ref.ID)
	if err != nil {
		return nil, translateIMAPError(err)
	}
	body := msg.Body
	if msg.HTML {
		body = gmail.PlainText(body)
	}
	return &domain.MessageCandidate{
		ID:         msg.ID,
		MessageID:  msg.MessageID,
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       body,
		ReceivedAt: msg.ReceivedAt,
		Generated:  msg.Generated,
	}, nil
}

// MailRouter picks the adapter matching the user's provider.
type MailRouter struct {
	gmail MailProvider
	imap  MailProvider
}

func NewMailRouter(gmailProvider, imapProvider MailProvider) *MailRouter {
	return &MailRouter{gmail: gmailProvider, imap: imapProvider}
}

func (r *MailRouter) pick(user *authdomain.User) (MailProvider, error) {
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
	return nil, fmt.Errorf("no mail provider configured for %q", user.Provider)
}

func (r *MailRouter) List(ctx context.Context, user *authdomain.User, start, end time.Time, limit int) ([]domain.MessageRef, error) {
	p, err := r.pick(user)
	if err != nil {
		return nil, err
	}
	return p.List(ctx, user, start, end, limit)
}

func (r *MailRouter) Load(ctx context.Context, user *authdomain.User, ref domain.MessageRef) (*domain.MessageCandidate, error) {
	p, err := r.pick(user)
	if err != nil {
		return nil, err
	}
	return p.Load(ctx, user, ref)
}
