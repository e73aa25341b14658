package domain

import "time"

type NotifyChannel string

const (
	ChannelDigest NotifyChannel = "digest"
	ChannelDrafts NotifyChannel = "drafts"
	// ChannelNone marks runs that had nothing to send.
	ChannelNone NotifyChannel = "none"
)

// RunNotification is the "notified" marker. It is written only after a
// confirmed send and lives outside scan_runs so terminal runs stay
// untouched.
type RunNotification struct {
	ScanRunID  string        `json:"scan_run_id" gorm:"primaryKey;type:varchar(36)"`
	UserID     string        `json:"user_id" gorm:"type:varchar(36);not null;index"`
	Channel    NotifyChannel `json:"channel" gorm:"type:varchar(16);not null"`
	EntryCount int           `json:"entry_count"`
	NotifiedAt time.Time     `json:"notified_at"`
}

func (RunNotification) TableName() string { return "run_notifications" }

// Digest is one summary email sent to the mailbox owner.
type Digest struct {
	RunID   string
	To      string
	Subject string
	HTML    string
}

// ReplyDraft is a reply saved to the owner's drafts, never sent.
type ReplyDraft struct {
	RunID     string
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string
}

// Push is a device notification fanned out to every registered token.
type Push struct {
	Title string
	Body  string
	Data  map[string]string
}
