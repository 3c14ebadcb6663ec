package server

import (
	"encoding/json"

	"assignline/internal/domain"
)

// Response payloads

type AssignmentResponse struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	ChannelID      string  `json:"channel_id"`
	Status         string  `json:"status" enum:"pending_review,awaiting_payment,awaiting_payment_confirmation,in_progress,delivered,revision_requested,rejected,closed"`
	Reviewed       bool    `json:"reviewed"`
	Doable         *bool   `json:"doable,omitempty"`
	Deadline       *string `json:"deadline,omitempty" format:"date-time"`
	LastReminderAt *string `json:"last_reminder_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type AssignmentDetailResponse struct {
	AssignmentResponse
	Revisions []RevisionResponse `json:"revisions"`
}

type RevisionResponse struct {
	Details   string `json:"details"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PaymentSessionResponse struct {
	AssignmentID string `json:"assignment_id"`
	PayerID      string `json:"payer_id"`
	Amount       string `json:"amount"`
	Paid         bool   `json:"paid"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type ReviewResponse struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	AuthorID     string `json:"author_id"`
	Rating       int    `json:"rating" minimum:"1" maximum:"5"`
	Comment      string `json:"comment,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type DisputeResponse struct {
	ID           string  `json:"id"`
	AssignmentID string  `json:"assignment_id"`
	RaisedBy     string  `json:"raised_by"`
	Reason       string  `json:"reason"`
	Status       string  `json:"status" enum:"open,resolved"`
	Resolution   string  `json:"resolution,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ResolvedAt   *string `json:"resolved_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts" format:"date-time"`
	Type         string          `json:"type"`
	AssignmentID string          `json:"assignment_id,omitempty"`
	ActorID      string          `json:"actor_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:             a.ID,
		OwnerID:        a.OwnerID,
		ChannelID:      a.ChannelID,
		Status:         string(a.Status),
		Reviewed:       a.Reviewed,
		Doable:         a.Doable,
		Deadline:       a.Deadline,
		LastReminderAt: a.LastReminderAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func mapRevisions(items []domain.Revision) []RevisionResponse {
	res := make([]RevisionResponse, 0, len(items))
	for _, rev := range items {
		res = append(res, RevisionResponse{Details: rev.Details, CreatedAt: rev.CreatedAt})
	}
	return res
}

func paymentSessionResponse(s domain.PaymentSession) PaymentSessionResponse {
	return PaymentSessionResponse{
		AssignmentID: s.AssignmentID,
		PayerID:      s.PayerID,
		Amount:       s.Amount.StringFixed(2),
		Paid:         s.Paid,
		CreatedAt:    s.CreatedAt,
	}
}

func mapPaymentSessions(items []domain.PaymentSession) []PaymentSessionResponse {
	res := make([]PaymentSessionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, paymentSessionResponse(s))
	}
	return res
}

func mapReviews(items []domain.Review) []ReviewResponse {
	res := make([]ReviewResponse, 0, len(items))
	for _, rv := range items {
		res = append(res, ReviewResponse{
			ID:           rv.ID,
			AssignmentID: rv.AssignmentID,
			AuthorID:     rv.AuthorID,
			Rating:       rv.Rating,
			Comment:      rv.Comment,
			CreatedAt:    rv.CreatedAt,
		})
	}
	return res
}

func mapDisputes(items []domain.Dispute) []DisputeResponse {
	res := make([]DisputeResponse, 0, len(items))
	for _, d := range items {
		res = append(res, DisputeResponse{
			ID:           d.ID,
			AssignmentID: d.AssignmentID,
			RaisedBy:     d.RaisedBy,
			Reason:       d.Reason,
			Status:       d.Status,
			Resolution:   d.Resolution,
			CreatedAt:    d.CreatedAt,
			ResolvedAt:   d.ResolvedAt,
		})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage(nil)
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		AssignmentID: e.AssignmentID,
		ActorID:      e.ActorID,
		Payload:      payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
