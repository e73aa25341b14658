package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/internal/pipeline/provider"
	"mailpipe-backend/pkg/ratelimit"

	"go.uber.org/zap"
)

// DefaultMailTimeout bounds a single mailbox call.
const DefaultMailTimeout = 30 * time.Second

// callWithTimeout runs fn under its own deadline. A call cut off by that
// deadline while ctx is still live is reported as transient, so the limiter
// may retry it.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: call timed out after %s: %v", domain.ErrTransient, timeout, err)
	}
	return err
}

// Fetcher reads candidates from the user's mailbox under the mail budget.
type Fetcher struct {
	mail    provider.MailProvider
	limiter *ratelimit.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

func NewFetcher(mail provider.MailProvider, limiter *ratelimit.Limiter, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultMailTimeout
	}
	return &Fetcher{mail: mail, limiter: limiter, timeout: timeout, logger: logger}
}

// List returns at most limit refs received within [start, end], newest
// first. When retries run out after pagination already produced refs, those
// refs are returned without an error.
func (f *Fetcher) List(ctx context.Context, user *authdomain.User, start, end time.Time, limit int) ([]domain.MessageRef, error) {
	var refs, partial []domain.MessageRef
	err := f.limiter.Do(ctx, func(ctx context.Context) error {
		return callWithTimeout(ctx, f.timeout, func(ctx context.Context) error {
			got, err := f.mail.List(ctx, user, start, end, limit)
			if err != nil {
				if len(got) > len(partial) {
					partial = got
				}
				return err
			}
			refs = got
			return nil
		})
	})
	if err != nil {
		if len(partial) == 0 || !domain.IsRetryable(err) {
			return nil, err
		}
		f.logger.Warn("Listing failed midway, proceeding with partial candidates",
			zap.String("user_id", user.ID),
			zap.Int("candidates", len(partial)),
			zap.Error(err))
		refs = partial
	}

	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// Load fetches one full message.
func (f *Fetcher) Load(ctx context.Context, user *authdomain.User, ref domain.MessageRef) (*domain.MessageCandidate, error) {
	var msg *domain.MessageCandidate
	err := f.limiter.Do(ctx, func(ctx context.Context) error {
		return callWithTimeout(ctx, f.timeout, func(ctx context.Context) error {
			got, err := f.mail.Load(ctx, user, ref)
			if err != nil {
				return err
			}
			msg = got
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = ref.ReceivedAt
	}
	if msg.ThreadID == "" {
		msg.ThreadID = ref.ThreadID
	}
	return msg, nil
}
