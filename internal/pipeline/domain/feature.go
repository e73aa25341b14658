package domain

import (
	"fmt"
	"strings"
)

// Feature is one instantiation of the pipeline. The set is closed.
type Feature string

const (
	FeatureTimeEntry Feature = "time_entry"
	FeatureTriage    Feature = "triage"
	FeatureDraft     Feature = "draft"
)

var Features = []Feature{FeatureTimeEntry, FeatureTriage, FeatureDraft}

// Entry types persisted per feature
const (
	EntryTypeTimeEntry      = "time_entry"
	EntryTypePrioritySignal = "priority_signal"
	EntryTypeReplyDraft     = "reply_draft"
)

func ParseFeature(s string) (Feature, error) {
	f := Feature(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFeature, s)
	}
	return f, nil
}

func (f Feature) Valid() bool {
	switch f {
	case FeatureTimeEntry, FeatureTriage, FeatureDraft:
		return true
	}
	return false
}

func (f Feature) EntryType() string {
	switch f {
	case FeatureTimeEntry:
		return EntryTypeTimeEntry
	case FeatureTriage:
		return EntryTypePrioritySignal
	case FeatureDraft:
		return EntryTypeReplyDraft
	}
	return ""
}

// CreatesDrafts reports whether the downstream action is draft creation
// rather than a digest.
func (f Feature) CreatesDrafts() bool {
	return f == FeatureDraft
}

func (f Feature) String() string { return string(f) }
