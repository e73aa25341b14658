package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/pkg/ai"
	"mailpipe-backend/pkg/metrics"
	"mailpipe-backend/pkg/ratelimit"

	"go.uber.org/zap"
)

const (
	DefaultClassifierTimeout = 30 * time.Second
	DefaultMaxBodySize       = 8000
)

// Classifier runs the feature's extractor against a text generator.
type Classifier struct {
	generator ai.Generator
	limiter   *ratelimit.Limiter
	timeout   time.Duration
	maxBody   int
	logger    *zap.Logger
}

func NewClassifier(generator ai.Generator, limiter *ratelimit.Limiter, timeout time.Duration, maxBody int, logger *zap.Logger) *Classifier {
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &Classifier{
		generator: generator,
		limiter:   limiter,
		timeout:   timeout,
		maxBody:   maxBody,
		logger:    logger,
	}
}

// Classify returns the extractions found in msg with confidences clamped
// to [0,1]. A call exceeding the timeout fails with ErrClassifierTimeout and
// an unparseable answer with ErrMalformedOutput.
func (c *Classifier) Classify(ctx context.Context, feature domain.Feature, msg *domain.MessageCandidate) ([]domain.Extraction, error) {
	ex, err := extractorFor(feature)
	if err != nil {
		return nil, err
	}
	prompt := ex.Prompt(msg, sanitizeBody(msg.Body, c.maxBody))

	var raw string
	err = c.limiter.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.generator.Generate(callCtx, prompt)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w after %s", domain.ErrClassifierTimeout, c.timeout)
			}
			return translateGeneratorError(err)
		}
		raw = out
		return nil
	})
	if err != nil {
		result := "error"
		if errors.Is(err, domain.ErrClassifierTimeout) {
			result = "timeout"
		}
		metrics.RecordClassifierCall(feature.String(), result)
		return nil, err
	}

	extractions, err := ex.Parse(raw, msg)
	if err != nil {
		metrics.RecordClassifierCall(feature.String(), "malformed")
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedOutput, err)
	}
	for i := range extractions {
		extractions[i].Confidence = domain.ClampConfidence(extractions[i].Confidence)
	}
	metrics.RecordClassifierCall(feature.String(), "ok")
	return extractions, nil
}

// translateGeneratorError maps provider failures so the classifier limiter
// retries quota and connection problems only.
func translateGeneratorError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case ai.IsQuotaError(err):
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	case ai.IsConnectionError(err):
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return err
}

// sanitizeBody drops invalid UTF-8 and cuts the body to at most limit bytes
// on a rune boundary.
func sanitizeBody(body string, limit int) string {
	body = strings.ToValidUTF8(body, "")
	if len(body) <= limit {
		return body
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
