// Package leads stores accepted waitlist and contact submissions.
// Records are only created from fields that already passed the security
// guard; this package performs no validation of its own.
package leads

import (
	"time"

	"github.com/google/uuid"
)

// Status is the triage state of a submission.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// ValidStatus reports whether s is a known triage state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusNew, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// Submission is one accepted waitlist or contact entry.
// FreeText is populated for contact submissions only.
type Submission struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"` // "waitlist" or "contact"
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	FreeText  string    `json:"free_text,omitempty"`
	Category  string    `json:"category"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Kind   string
	Status Status
	Limit  int
	Skip   int
}

// maxListLimit caps admin pagination.
const maxListLimit = 1000

// Clamp normalizes pagination bounds: limit into [1,1000], skip >= 0.
func (f *ListFilter) Clamp() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Skip < 0 {
		f.Skip = 0
	}
}
