package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"assignline/internal/domain"
	"assignline/internal/events"
)

// LeaveReview stores a 1-5 rating for the channel's assignment and publishes
// it to the review feed.
func (e Engine) LeaveReview(ctx context.Context, channelID, actorID string, rating int, comment string) (domain.Review, error) {
	if rating < 1 || rating > 5 {
		return domain.Review{}, ErrInvalidRating
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return domain.Review{}, err
	}
	rv := domain.Review{
		ID:           uuid.NewString(),
		AssignmentID: a.ID,
		AuthorID:     actorID,
		Rating:       rating,
		Comment:      comment,
		CreatedAt:    e.timestamp(),
	}
	if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
		return domain.Review{}, err
	}
	if err := e.Events.Append(ctx, tx, "review.left", a.ID, actorID, events.EventPayload{"rating": rating}); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}

	author, err := e.Platform.LookupUserName(ctx, actorID)
	if err != nil || author == "" {
		author = actorID
	}
	line := fmt.Sprintf("%s rated assignment %s %s (%d/5)", author, a.ID, stars(rating), rating)
	if comment != "" {
		line += ": " + comment
	}
	e.Notify.ReviewsFeed(ctx, line)
	return rv, nil
}

// InitiateDispute records a dispute and alerts every administrator. Any
// status is fair game.
func (e Engine) InitiateDispute(ctx context.Context, channelID, actorID, reason string) (domain.Dispute, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return domain.Dispute{}, err
	}
	d := domain.Dispute{
		ID:           uuid.NewString(),
		AssignmentID: a.ID,
		RaisedBy:     actorID,
		Reason:       reason,
		Status:       "open",
		CreatedAt:    e.timestamp(),
	}
	if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.opened", a.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}

	e.Notify.Admins(ctx, fmt.Sprintf("Dispute opened on assignment %s by <@%s> in <#%s>: %s", a.ID, actorID, channelID, reason))
	return d, nil
}

// ResolveDispute closes the assignment's open disputes and tells the owner.
// The resolution is committed before the owner DM, so a delivery failure is
// reported to the admin without touching state.
func (e Engine) ResolveDispute(ctx context.Context, channelID, actorID, resolution string) error {
	if !e.isAdmin(actorID) {
		return PermissionError{Action: "resolve_dispute"}
	}
	if strings.TrimSpace(resolution) == "" {
		return fmt.Errorf("resolution text is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return err
	}
	now := e.timestamp()
	resolved, err := e.Repo.ResolveOpenDisputes(ctx, tx, a.ID, resolution, now)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "dispute.resolved", a.ID, actorID, events.EventPayload{
		"resolution": resolution,
		"resolved":   resolved,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := e.Notify.OwnerStrict(ctx, a.OwnerID, fmt.Sprintf("Dispute on assignment %s resolved: %s", a.ID, resolution)); err != nil {
		return NotificationError{Target: a.OwnerID, Err: err}
	}
	return nil
}

func stars(rating int) string {
	return strings.Repeat("★", rating) + strings.Repeat("☆", 5-rating)
}
