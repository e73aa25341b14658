package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// FallbackGenerator implements provider routing with fallback
// - the primary (hosted, better quality) is tried first
// - on any failure the secondary is tried
// - if the secondary cannot be reached and the primary did not fail on
//   quota, the primary gets one more attempt
type FallbackGenerator struct {
	primary   Generator
	secondary Generator
	logger    *zap.Logger
}

// NewFallbackGenerator creates a router over two providers. Either may be nil.
func NewFallbackGenerator(primary, secondary Generator, logger *zap.Logger) *FallbackGenerator {
	return &FallbackGenerator{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
}

func (f *FallbackGenerator) Name() string {
	var names []string
	for _, g := range []Generator{f.primary, f.secondary} {
		if g != nil {
			names = append(names, g.Name())
		}
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

func (f *FallbackGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var primaryErr error
	if f.primary != nil {
		result, err := f.primary.Generate(ctx, prompt)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		primaryErr = err
		f.logger.Warn("Primary AI provider failed, falling back",
			zap.String("provider", f.primary.Name()),
			zap.Bool("quota", IsQuotaError(err)),
			zap.Error(err))
	}

	if f.secondary != nil {
		result, err := f.secondary.Generate(ctx, prompt)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		if IsConnectionError(err) && f.primary != nil && !IsQuotaError(primaryErr) {
			f.logger.Warn("Secondary AI provider unreachable, retrying primary",
				zap.String("provider", f.secondary.Name()),
				zap.Error(err))
			return f.primary.Generate(ctx, prompt)
		}
		return "", fmt.Errorf("%s failed: %w", f.secondary.Name(), err)
	}

	if primaryErr != nil {
		return "", primaryErr
	}
	return "", fmt.Errorf("no AI provider available")
}

// IsConnectionError checks if the error is a network/connection error
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 500 {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 500 {
		return true
	}

	return containsAny(err.Error(),
		"connection refused",
		"no such host",
		"network is unreachable",
		"connection reset",
		"dial tcp",
		"EOF",
	)
}

// IsQuotaError checks if the error indicates API quota exhaustion (429)
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	return containsAny(err.Error(),
		"429",
		"quota",
		"rate limit",
		"too many requests",
		"resource exhausted",
		"RESOURCE_EXHAUSTED",
	)
}

func containsAny(s string, indicators ...string) bool {
	s = strings.ToLower(s)
	for _, indicator := range indicators {
		if strings.Contains(s, strings.ToLower(indicator)) {
			return true
		}
	}
	return false
}
