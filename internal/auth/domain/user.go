package domain

import "time"

const (
	ProviderGoogle = "google"
	ProviderIMAP   = "imap"
)

// User is the identity whose mailbox credentials the pipeline uses.
// Credential columns are sealed at rest by the repository.
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider" gorm:"type:varchar(16);not null"` // "google" or "imap"
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	IMAPHost     string    `json:"-"`
	IMAPUsername string    `json:"-"`
	IMAPPassword string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
