package domain

import "github.com/shopspring/decimal"

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusPendingReview      Status = "pending_review"
	StatusAwaitingPayment    Status = "awaiting_payment"
	StatusAwaitingPayConfirm Status = "awaiting_payment_confirmation"
	StatusInProgress         Status = "in_progress"
	StatusDelivered          Status = "delivered"
	StatusRevisionRequested  Status = "revision_requested"
	StatusRejected           Status = "rejected"
	StatusClosed             Status = "closed"
)

// Terminal reports whether no further business transitions apply.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusClosed
}

type Assignment struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	ChannelID      string  `json:"channel_id"`
	Status         Status  `json:"status" enum:"pending_review,awaiting_payment,awaiting_payment_confirmation,in_progress,delivered,revision_requested,rejected,closed"`
	Reviewed       bool    `json:"reviewed"`
	Doable         *bool   `json:"doable,omitempty"`
	Deadline       *string `json:"deadline,omitempty" format:"date-time"`
	LastReminderAt *string `json:"last_reminder_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Revision is one owner-requested change to a delivered assignment.
// Revisions are append-only.
type Revision struct {
	AssignmentID string `json:"assignment_id"`
	Details      string `json:"details"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// PaymentSession tracks a single billing attempt, keyed by
// (AssignmentID, PayerID). Paid only ever moves false -> true.
type PaymentSession struct {
	AssignmentID string          `json:"assignment_id"`
	PayerID      string          `json:"payer_id"`
	Amount       decimal.Decimal `json:"amount"`
	Paid         bool            `json:"paid"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type Review struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	AuthorID     string `json:"author_id"`
	Rating       int    `json:"rating" minimum:"1" maximum:"5"`
	Comment      string `json:"comment,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Dispute struct {
	ID           string  `json:"id"`
	AssignmentID string  `json:"assignment_id"`
	RaisedBy     string  `json:"raised_by"`
	Reason       string  `json:"reason"`
	Status       string  `json:"status" enum:"open,resolved"`
	Resolution   string  `json:"resolution,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ResolvedAt   *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	AssignmentID string `json:"assignment_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
