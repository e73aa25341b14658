package domain

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload carries feature specific fields (duration, priority, draft text)
// as an opaque JSON object.
type Payload map[string]interface{}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Payload) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("payload: unsupported column type")
	}
	out := Payload{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// Text returns the field as a string or "".
func (p Payload) Text(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the field as a float64 or 0.
func (p Payload) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Extraction is one classifier result before it becomes an entry.
type Extraction struct {
	EntryType  string  `json:"entry_type"`
	Payload    Payload `json:"payload"`
	Confidence float64 `json:"confidence"`
}

// ExtractedEntry is unique per (user_id, dedup_key).
type ExtractedEntry struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID          string    `json:"user_id" gorm:"type:varchar(36);not null;uniqueIndex:ux_entries_user_dedup"`
	DedupKey        string    `json:"dedup_key" gorm:"type:varchar(64);not null;uniqueIndex:ux_entries_user_dedup"`
	Feature         Feature   `json:"feature" gorm:"type:varchar(32);not null;index"`
	ScanRunID       string    `json:"scan_run_id" gorm:"type:varchar(36);index"`
	SourceMessageID string    `json:"source_message_id" gorm:"not null;index"`
	ThreadID        string    `json:"thread_id,omitempty"`
	EntryType       string    `json:"entry_type" gorm:"type:varchar(32);not null"`
	Payload         Payload   `json:"payload" gorm:"type:text"`
	Confidence      float64   `json:"confidence"`
	Revision        int       `json:"revision" gorm:"not null"`
	MessageAt       time.Time `json:"message_at" gorm:"index"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (ExtractedEntry) TableName() string { return "extracted_entries" }

func NewExtractedEntry(run *ScanRun, msg *MessageCandidate, ext Extraction, now time.Time) *ExtractedEntry {
	entryType := ext.EntryType
	if entryType == "" {
		entryType = run.Feature.EntryType()
	}
	return &ExtractedEntry{
		ID:              uuid.New().String(),
		UserID:          run.UserID,
		DedupKey:        DedupKey(run.UserID, msg.ID, ext.Payload),
		Feature:         run.Feature,
		ScanRunID:       run.ID,
		SourceMessageID: msg.ID,
		ThreadID:        msg.ThreadID,
		EntryType:       entryType,
		Payload:         ext.Payload,
		Confidence:      ClampConfidence(ext.Confidence),
		Revision:        1,
		MessageAt:       msg.ReceivedAt.UTC(),
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

// EntryRevision keeps the value an overwrite replaced.
type EntryRevision struct {
	ID                 string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EntryID            string    `json:"entry_id" gorm:"type:varchar(36);not null;index"`
	UserID             string    `json:"user_id" gorm:"type:varchar(36);not null"`
	DedupKey           string    `json:"dedup_key" gorm:"type:varchar(64);not null"`
	Revision           int       `json:"revision"`
	ScanRunID          string    `json:"scan_run_id" gorm:"type:varchar(36)"`
	ReplacedByRunID    string    `json:"replaced_by_run_id" gorm:"type:varchar(36)"`
	PreviousPayload    Payload   `json:"previous_payload" gorm:"type:text"`
	PreviousConfidence float64   `json:"previous_confidence"`
	ReplacedAt         time.Time `json:"replaced_at"`
}

func (EntryRevision) TableName() string { return "entry_revisions" }

type UpsertOutcome string

const (
	UpsertInserted    UpsertOutcome = "inserted"
	UpsertOverwritten UpsertOutcome = "overwritten"
	UpsertUnchanged   UpsertOutcome = "unchanged"
)

// EntryFilter narrows Query. Zero values mean "any".
type EntryFilter struct {
	Feature       Feature
	EntryType     string
	MinConfidence float64
	ScanRunID     string
	Limit         int
}

func ClampConfidence(c float64) float64 {
	switch {
	case c < 0 || math.IsNaN(c):
		return 0
	case c > 1:
		return 1
	}
	return c
}

// DedupKey is sha256(user ‖ message ‖ normalized payload), hex encoded.
func DedupKey(userID, messageID string, payload Payload) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write(NormalizePayload(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// MessageKey is the cheap pre-classification key for the dedup index.
func MessageKey(userID string, feature Feature, messageID string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + string(feature) + "\x00" + messageID))
	return hex.EncodeToString(sum[:])
}

// NormalizePayload renders payload as canonical JSON: keys sorted, strings
// trimmed, lowercased and whitespace collapsed.
func NormalizePayload(p Payload) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	normalized := normalizeValue(map[string]interface{}(p))
	// map keys are emitted in sorted order
	b, err := json.Marshal(normalized)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return strings.Join(strings.Fields(strings.ToLower(t)), " ")
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[strings.ToLower(strings.TrimSpace(k))] = normalizeValue(val)
		}
		return out
	case Payload:
		return normalizeValue(map[string]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return t
	}
}
