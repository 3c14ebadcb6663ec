package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"assignline/internal/domain"
	"assignline/internal/events"
	"assignline/internal/gateway"
)

// paymentID is the key the gateway sees for one assignment/payer pair.
func paymentID(assignmentID, payerID string) string {
	return assignmentID + "-" + payerID
}

// GeneratePaymentLinks mints checkout links and opens the payment window.
// The gateway call happens before any registry write, so a gateway failure
// leaves the assignment in awaiting_payment with no session.
func (e Engine) GeneratePaymentLinks(ctx context.Context, channelID string, amount decimal.Decimal, actorID string) (gateway.Links, error) {
	if !e.isAdmin(actorID) {
		return nil, PermissionError{Action: "generate_payment"}
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	a, err := e.Repo.GetAssignmentByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := ensureTransition(a.Status, domain.StatusAwaitingPayConfirm); err != nil {
		return nil, err
	}

	links, err := e.Gateway.CreateLinks(ctx, paymentID(a.ID, a.OwnerID), amount)
	if err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	a, err = e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return nil, err
	}
	if err := ensureTransition(a.Status, domain.StatusAwaitingPayConfirm); err != nil {
		return nil, err
	}
	now := e.timestamp()
	session := domain.PaymentSession{
		AssignmentID: a.ID,
		PayerID:      a.OwnerID,
		Amount:       amount,
		CreatedAt:    now,
	}
	if err := e.Repo.UpsertPaymentSession(ctx, tx, session); err != nil {
		return nil, err
	}
	a.Status = domain.StatusAwaitingPayConfirm
	a.UpdatedAt = now
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "payment.links_generated", a.ID, actorID, events.EventPayload{
		"amount":    amount.String(),
		"providers": providerNames(links),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.Notify.Channel(ctx, channelID, paymentLinksMessage(a.ID, amount, links))
	e.Notify.Owner(ctx, a.OwnerID, fmt.Sprintf("Payment of %s requested for assignment %s. Links are in your assignment channel.", amount.StringFixed(2), a.ID))
	return links, nil
}

// ConfirmPayment verifies the owner's payment with the gateway. An unpaid
// verdict returns (false, nil) and may be retried; success moves the
// assignment to in_progress and marks the session paid exactly once.
func (e Engine) ConfirmPayment(ctx context.Context, channelID, actorID string) (bool, error) {
	a, err := e.Repo.GetAssignmentByChannel(ctx, channelID)
	if err != nil {
		return false, err
	}
	if a.OwnerID != actorID {
		return false, PermissionError{Action: "confirm_payment"}
	}
	if a.Status != domain.StatusAwaitingPayConfirm {
		return false, InvalidTransitionError{From: a.Status, Attempted: domain.StatusInProgress}
	}

	paid, err := e.Gateway.Verify(ctx, paymentID(a.ID, a.OwnerID))
	if err != nil {
		return false, err
	}
	if !paid {
		return false, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	a, err = e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return false, err
	}
	if a.Status != domain.StatusAwaitingPayConfirm {
		return false, InvalidTransitionError{From: a.Status, Attempted: domain.StatusInProgress}
	}
	if err := e.Repo.MarkPaymentSessionPaid(ctx, tx, a.ID, a.OwnerID); err != nil {
		return false, err
	}
	now := e.timestamp()
	a.Status = domain.StatusInProgress
	a.UpdatedAt = now
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "payment.confirmed", a.ID, actorID, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	e.Notify.Channel(ctx, channelID, fmt.Sprintf("Payment for assignment %s confirmed. Work is now in progress.", a.ID))
	e.Notify.PaymentFeed(ctx, fmt.Sprintf("Assignment %s paid by <@%s>.", a.ID, a.OwnerID))
	e.Notify.Admins(ctx, fmt.Sprintf("Assignment %s is paid and in progress.", a.ID))
	return true, nil
}

// CheckPaymentStatus is a read-only lookup keyed by the session's stored
// (assignment, payer) pair.
func (e Engine) CheckPaymentStatus(ctx context.Context, assignmentID, payerID string) (domain.PaymentSession, error) {
	return e.Repo.GetPaymentSession(ctx, assignmentID, payerID)
}

func providerNames(links gateway.Links) []string {
	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func paymentLinksMessage(assignmentID string, amount decimal.Decimal, links gateway.Links) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment of %s due for assignment %s:", amount.StringFixed(2), assignmentID)
	for _, name := range providerNames(links) {
		fmt.Fprintf(&b, "\n%s: %s", name, links[name])
	}
	return b.String()
}
