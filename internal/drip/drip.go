// Package drip runs the launch follow-up sequence: a fixed catalog of timed
// steps dispatched to each subscriber over email and WhatsApp, backed by
// database rows so pending sends survive restarts.
package drip

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Channel selects how a step is delivered.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelBoth     Channel = "both"
)

// Step is one entry in the sequence. Delay is measured from the completion
// of the previous step (the first step's delay is from signup).
type Step struct {
	Number   int           `json:"number"`
	Name     string        `json:"name"`
	Channel  Channel       `json:"channel"`
	Template string        `json:"template"`
	Delay    time.Duration `json:"delay"`
}

// DefaultSequence is the launch campaign: welcome immediately, then spaced
// touches landing at day 3, 10, 17, 24, and 30 after signup.
func DefaultSequence() []Step {
	return []Step{
		{Number: 0, Name: "welcome", Channel: ChannelBoth, Template: "welcome"},
		{Number: 1, Name: "vision", Channel: ChannelEmail, Template: "vision", Delay: 3 * 24 * time.Hour},
		{Number: 2, Name: "teaser", Channel: ChannelEmail, Template: "teaser", Delay: 7 * 24 * time.Hour},
		{Number: 3, Name: "social_proof", Channel: ChannelEmail, Template: "social_proof", Delay: 7 * 24 * time.Hour},
		{Number: 4, Name: "countdown", Channel: ChannelBoth, Template: "countdown", Delay: 7 * 24 * time.Hour},
		{Number: 5, Name: "launch", Channel: ChannelBoth, Template: "launch", Delay: 6 * 24 * time.Hour},
	}
}

// Subscriber is one enrolled recipient. Unsubscribing deactivates the row;
// subscribers are never physically deleted.
type Subscriber struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	SubscribedAt time.Time  `json:"subscribed_at"`
	CurrentStep  int        `json:"current_step"`
	LastSentAt   *time.Time `json:"last_sent_at,omitempty"`
	Active       bool       `json:"active"`
}

// Send statuses.
const (
	SendPending  = "pending"
	SendSent     = "sent"
	SendFailed   = "failed"
	SendCanceled = "canceled"
)

// ScheduledSend is one queued dispatch. (SubscriberID, StepNumber) is unique,
// which makes rescheduling idempotent.
type ScheduledSend struct {
	ID           uuid.UUID  `json:"id"`
	SubscriberID uuid.UUID  `json:"subscriber_id"`
	StepNumber   int        `json:"step_number"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// EmailSender dispatches a provider-side template to one recipient.
type EmailSender interface {
	Send(ctx context.Context, to, template string, vars map[string]interface{}) error
}

// WhatsAppSender dispatches a plain text message to one phone number.
type WhatsAppSender interface {
	Send(ctx context.Context, to, text string) error
}

// Storage is the persistence seam for the engine. Implemented by *Store;
// tests substitute an in-memory fake.
type Storage interface {
	CreateSubscriber(ctx context.Context, sub *Subscriber) error
	GetSubscriber(ctx context.Context, id uuid.UUID) (*Subscriber, error)
	GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error)
	UpdateSubscriber(ctx context.Context, sub *Subscriber) error
	DeactivateSubscriber(ctx context.Context, email string) (*Subscriber, error)
	ListSubscribers(ctx context.Context, limit, skip int) ([]Subscriber, error)

	CreateSend(ctx context.Context, send *ScheduledSend) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]ScheduledSend, error)
	MarkSend(ctx context.Context, id uuid.UUID, status, errMsg string) error
	CancelPending(ctx context.Context, subscriberID uuid.UUID) error
}
