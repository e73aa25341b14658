package domain

import "time"

// MessageRef is what a mailbox listing returns.
type MessageRef struct {
	ID         string
	ThreadID   string
	ReceivedAt time.Time
}

// MessageCandidate is a loaded message under consideration in one run. It
// is discarded with the run.
type MessageCandidate struct {
	ID         string
	ThreadID   string
	MessageID  string // RFC 5322 Message-ID, used for reply threading
	From       string
	To         []string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Generated  bool // digests and drafts this service wrote itself
}
