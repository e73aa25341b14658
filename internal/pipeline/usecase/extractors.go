package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/pkg/ai"
)

// extractor turns one message into a prompt and parses the model's answer.
type extractor interface {
	Prompt(msg *domain.MessageCandidate, body string) string
	Parse(raw string, msg *domain.MessageCandidate) ([]domain.Extraction, error)
}

func extractorFor(feature domain.Feature) (extractor, error) {
	switch feature {
	case domain.FeatureTimeEntry:
		return timeEntryExtractor{}, nil
	case domain.FeatureTriage:
		return triageExtractor{}, nil
	case domain.FeatureDraft:
		return draftExtractor{}, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFeature, feature)
}

var errEmptyOutput = errors.New("no JSON object in model output")

func decode(raw string, v interface{}) error {
	obj := ai.ExtractJSON(raw)
	if obj == "" {
		return errEmptyOutput
	}
	return json.Unmarshal([]byte(obj), v)
}

func messageHeader(msg *domain.MessageCandidate) string {
	return fmt.Sprintf("From: %s\nTo: %s\nDate: %s\nSubject: %s",
		msg.From, strings.Join(msg.To, ", "), msg.ReceivedAt.UTC().Format("2006-01-02 15:04 MST"), msg.Subject)
}

type timeEntryExtractor struct{}

func (timeEntryExtractor) Prompt(msg *domain.MessageCandidate, body string) string {
	return fmt.Sprintf(`You extract time tracking records from emails.
Find every statement of work time spent, such as "spent 2h on the migration" or "meeting with ACME 10:00-11:30".
Ignore future plans and time spent by people other than the sender.

Respond ONLY with a JSON object, no markdown:
{"entries": [{"project": "<project or client, empty if unknown>", "activity": "<what was done>", "hours": <number>, "date": "<YYYY-MM-DD>", "confidence": <0.0-1.0>}]}
Use an empty array when the email records no time.

%s

%s`, messageHeader(msg), body)
}

func (timeEntryExtractor) Parse(raw string, msg *domain.MessageCandidate) ([]domain.Extraction, error) {
	var out struct {
		Entries []struct {
			Project    string  `json:"project"`
			Activity   string  `json:"activity"`
			Hours      float64 `json:"hours"`
			Date       string  `json:"date"`
			Confidence float64 `json:"confidence"`
		} `json:"entries"`
	}
	if err := decode(raw, &out); err != nil {
		return nil, err
	}

	extractions := make([]domain.Extraction, 0, len(out.Entries))
	for _, e := range out.Entries {
		if e.Hours <= 0 || strings.TrimSpace(e.Activity) == "" {
			continue
		}
		date := e.Date
		if date == "" {
			date = msg.ReceivedAt.UTC().Format("2006-01-02")
		}
		extractions = append(extractions, domain.Extraction{
			EntryType: domain.EntryTypeTimeEntry,
			Payload: domain.Payload{
				"project":  strings.TrimSpace(e.Project),
				"activity": strings.TrimSpace(e.Activity),
				"hours":    e.Hours,
				"date":     date,
			},
			Confidence: e.Confidence,
		})
	}
	return extractions, nil
}

var priorities = map[string]bool{"high": true, "medium": true, "low": true}

type triageExtractor struct{}

func (triageExtractor) Prompt(msg *domain.MessageCandidate, body string) string {
	return fmt.Sprintf(`You triage incoming email for a busy professional.
Decide how urgently the recipient should look at this message.

Respond ONLY with a JSON object, no markdown:
{"priority": "high|medium|low", "category": "<short label, e.g. billing, meeting, newsletter>", "reason": "<one sentence>", "action_required": <true|false>, "confidence": <0.0-1.0>}

%s

%s`, messageHeader(msg), body)
}

func (triageExtractor) Parse(raw string, msg *domain.MessageCandidate) ([]domain.Extraction, error) {
	var out struct {
		Priority       string  `json:"priority"`
		Category       string  `json:"category"`
		Reason         string  `json:"reason"`
		ActionRequired bool    `json:"action_required"`
		Confidence     float64 `json:"confidence"`
	}
	if err := decode(raw, &out); err != nil {
		return nil, err
	}
	priority := strings.ToLower(strings.TrimSpace(out.Priority))
	if !priorities[priority] {
		return nil, fmt.Errorf("unknown priority %q", out.Priority)
	}

	return []domain.Extraction{{
		EntryType: domain.EntryTypePrioritySignal,
		Payload: domain.Payload{
			"priority":        priority,
			"category":        strings.TrimSpace(out.Category),
			"reason":          strings.TrimSpace(out.Reason),
			"action_required": out.ActionRequired,
			"subject":         msg.Subject,
			"from":            msg.From,
		},
		Confidence: out.Confidence,
	}}, nil
}

type draftExtractor struct{}

func (draftExtractor) Prompt(msg *domain.MessageCandidate, body string) string {
	return fmt.Sprintf(`You draft email replies on behalf of the recipient.
Decide whether the message expects a personal reply. Newsletters, notifications and receipts do not.
When it does, write a short, polite reply in the language of the original.

Respond ONLY with a JSON object, no markdown:
{"needs_reply": <true|false>, "subject": "<reply subject>", "body": "<plain text reply>", "confidence": <0.0-1.0>}

%s

%s`, messageHeader(msg), body)
}

func (draftExtractor) Parse(raw string, msg *domain.MessageCandidate) ([]domain.Extraction, error) {
	var out struct {
		NeedsReply bool    `json:"needs_reply"`
		Subject    string  `json:"subject"`
		Body       string  `json:"body"`
		Confidence float64 `json:"confidence"`
	}
	if err := decode(raw, &out); err != nil {
		return nil, err
	}
	if !out.NeedsReply {
		return nil, nil
	}
	if strings.TrimSpace(out.Body) == "" {
		return nil, errors.New("reply requested without a body")
	}

	subject := strings.TrimSpace(out.Subject)
	if subject == "" {
		subject = replySubject(msg.Subject)
	}
	return []domain.Extraction{{
		EntryType: domain.EntryTypeReplyDraft,
		Payload: domain.Payload{
			"to":          msg.From,
			"subject":     subject,
			"body":        strings.TrimSpace(out.Body),
			"in_reply_to": msg.MessageID,
		},
		Confidence: out.Confidence,
	}}, nil
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
