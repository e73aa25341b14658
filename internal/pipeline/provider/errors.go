package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/pkg/imap"
	"mailpipe-backend/pkg/ratelimit"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// rateLimitReasons are the 403 reasons Google uses for throttling.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"quotaExceeded":         true,
}

// translateGoogleError maps Gmail and OAuth failures onto pipeline sentinels.
// Errors it does not recognise are returned unchanged and treated as
// permanent by the caller.
func translateGoogleError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrAuthExpired, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", domain.ErrAuthExpired, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return rateLimited(err, apiErr.Header)
		case apiErr.Code == http.StatusForbidden:
			for _, item := range apiErr.Errors {
				if rateLimitReasons[item.Reason] {
					return rateLimited(err, apiErr.Header)
				}
			}
			// insufficient scope or revoked access
			return fmt.Errorf("%w: %v", domain.ErrAuthExpired, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
		case apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return err
}

// translateIMAPError maps IMAP session failures onto pipeline sentinels.
func translateIMAPError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case errors.Is(err, imap.ErrLogin):
		return fmt.Errorf("%w: %v", domain.ErrAuthExpired, err)
	case errors.Is(err, imap.ErrNoSuchMessage):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	// connection drops, timeouts and server BAD/NO responses during a
	// session are all worth another attempt
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}

func rateLimited(err error, header http.Header) error {
	wrapped := fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	if header == nil {
		return wrapped
	}
	return ratelimit.WithRetryAfter(wrapped, parseRetryAfter(header.Get("Retry-After"), time.Now()))
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now)
	}
	return 0
}
