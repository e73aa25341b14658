package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"mailpipe-backend/internal/pipeline/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedGenerator replays one answer per call.
type scriptedGenerator struct {
	mu      sync.Mutex
	answers []func(ctx context.Context) (string, error)
	calls   int
	prompts []string
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if i >= len(g.answers) {
		return "", errors.New("unexpected call")
	}
	return g.answers[i](ctx)
}

func answer(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

func failWith(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func TestClassifyTimeEntries(t *testing.T) {
	gen := &scriptedGenerator{answers: []func(context.Context) (string, error){answer(deployJSON)}}
	c := NewClassifier(gen, testLimiter("classifier"), time.Second, 0, zap.NewNop())

	got, err := c.Classify(context.Background(), domain.FeatureTimeEntry, message("m1", "DEPLOY shipped"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.EntryTypeTimeEntry, got[0].EntryType)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.Equal(t, "Zeus", got[0].Payload["project"])
	assert.Equal(t, 1.5, got[0].Payload["hours"])
	assert.Contains(t, gen.prompts[0], "Subject: Status m1")
}

func TestTimeEntryParseSkipsUnusableEntries(t *testing.T) {
	msg := message("m1", "")
	msg.ReceivedAt = time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)
	raw := `{"entries": [
		{"activity": "standup", "hours": 0.25, "confidence": 0.8},
		{"activity": "", "hours": 3, "confidence": 0.9},
		{"activity": "planning", "hours": 0, "confidence": 0.9}
	]}`

	got, err := timeEntryExtractor{}.Parse(raw, msg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "standup", got[0].Payload["activity"])
	assert.Equal(t, "2024-03-05", got[0].Payload["date"], "missing dates fall back to the received day")
}

func TestTriageParse(t *testing.T) {
	msg := message("m1", "")

	got, err := triageExtractor{}.Parse(`{"priority": "HIGH", "category": "billing", "reason": "invoice overdue", "action_required": true, "confidence": 0.7}`, msg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.EntryTypePrioritySignal, got[0].EntryType)
	assert.Equal(t, "high", got[0].Payload["priority"])
	assert.Equal(t, msg.Subject, got[0].Payload["subject"])
	assert.Equal(t, true, got[0].Payload["action_required"])

	_, err = triageExtractor{}.Parse(`{"priority": "urgent", "confidence": 0.7}`, msg)
	assert.Error(t, err)
}

func TestDraftParse(t *testing.T) {
	msg := message("m1", "")
	msg.Subject = "RE: budget"

	got, err := draftExtractor{}.Parse(`{"needs_reply": true, "body": "Thanks, approved.", "confidence": 0.6}`, msg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "RE: budget", got[0].Payload["subject"])
	assert.Equal(t, msg.From, got[0].Payload["to"])
	assert.Equal(t, msg.MessageID, got[0].Payload["in_reply_to"])

	got, err = draftExtractor{}.Parse(`{"needs_reply": false}`, msg)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = draftExtractor{}.Parse(`{"needs_reply": true, "body": "  "}`, msg)
	assert.Error(t, err)
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name      string
		answers   []func(context.Context) (string, error)
		timeout   time.Duration
		wantErr   error
		wantCalls int
	}{
		{
			name:      "quota errors are retried as rate limits",
			answers:   []func(context.Context) (string, error){failWith(errors.New("429 Too Many Requests")), answer(`{"entries": []}`)},
			wantCalls: 2,
		},
		{
			name: "connection errors exhaust the budget",
			answers: []func(context.Context) (string, error){
				failWith(errors.New("dial tcp: connection refused")),
				failWith(errors.New("dial tcp: connection refused")),
				failWith(errors.New("dial tcp: connection refused")),
			},
			wantErr:   domain.ErrTransient,
			wantCalls: 3,
		},
		{
			name:      "other provider errors are permanent",
			answers:   []func(context.Context) (string, error){failWith(errors.New("invalid api key"))},
			wantCalls: 1,
		},
		{
			name: "slow calls time out without retry",
			answers: []func(context.Context) (string, error){func(ctx context.Context) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}},
			timeout:   10 * time.Millisecond,
			wantErr:   domain.ErrClassifierTimeout,
			wantCalls: 1,
		},
		{
			name:      "prose answers are malformed",
			answers:   []func(context.Context) (string, error){answer("I could not find anything.")},
			wantErr:   domain.ErrMalformedOutput,
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{answers: tt.answers}
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}
			c := NewClassifier(gen, testLimiter("classifier"), timeout, 0, zap.NewNop())

			_, err := c.Classify(context.Background(), domain.FeatureTimeEntry, message("m1", "body"))
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantCalls == 1:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, gen.calls)
		})
	}
}

func TestClassifyUnsupportedFeature(t *testing.T) {
	c := NewClassifier(&scriptedGenerator{}, testLimiter("classifier"), time.Second, 0, zap.NewNop())
	_, err := c.Classify(context.Background(), domain.Feature("summary"), message("m1", "body"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedFeature)
}

func TestSanitizeBody(t *testing.T) {
	assert.Equal(t, "hello", sanitizeBody("hel\xfflo", 100))

	body := strings.Repeat("é", 10) // two bytes each
	cut := sanitizeBody(body, 5)
	assert.True(t, utf8.ValidString(cut))
	assert.Equal(t, "éé", cut)

	assert.Equal(t, "short", sanitizeBody("short", 5))
}
