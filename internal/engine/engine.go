package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assignline/internal/config"
	"assignline/internal/domain"
	"assignline/internal/events"
	"assignline/internal/gateway"
	"assignline/internal/notify"
	"assignline/internal/platform"
	"assignline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Platform platform.Platform
	Gateway  gateway.Gateway
	Notify   *notify.Notifier
	Now      func() time.Time

	// TeardownDelay is the grace window between a terminal transition and
	// channel deletion.
	TeardownDelay time.Duration
}

func New(db *sql.DB, cfg *config.Config, p platform.Platform, gw gateway.Gateway) Engine {
	return Engine{
		DB:            db,
		Repo:          repo.Repo{DB: db},
		Events:        events.Writer{DB: db},
		Config:        cfg,
		Platform:      p,
		Gateway:       gw,
		Notify:        notify.New(p, cfg),
		Now:           time.Now,
		TeardownDelay: cfg.TeardownGrace(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) isAdmin(actorID string) bool {
	return e.Config != nil && e.Config.IsAdmin(actorID)
}

func newAssignmentID() string {
	return uuid.NewString()[:8]
}

// ensureTransition is the single guard for every status edge. Closing is
// legal from any non-terminal status; everything else is enumerated.
func ensureTransition(from, to domain.Status) error {
	if to == domain.StatusClosed && !from.Terminal() {
		return nil
	}
	switch from {
	case domain.StatusPendingReview:
		if to == domain.StatusAwaitingPayment || to == domain.StatusRejected {
			return nil
		}
	case domain.StatusAwaitingPayment:
		if to == domain.StatusAwaitingPayConfirm || to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusAwaitingPayConfirm:
		if to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusDelivered {
			return nil
		}
	case domain.StatusDelivered:
		if to == domain.StatusRevisionRequested {
			return nil
		}
	case domain.StatusRevisionRequested:
		if to == domain.StatusDelivered {
			return nil
		}
	}
	return InvalidTransitionError{From: from, Attempted: to}
}

// SubmitAssignment creates the private channel first, then the registry row.
// If the channel cannot be created no row is written; if the row cannot be
// written the channel is removed again.
func (e Engine) SubmitAssignment(ctx context.Context, ownerID string) (domain.Assignment, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Assignment{}, errors.New("owner is required")
	}
	id := newAssignmentID()
	acl := platform.ChannelACL{OwnerID: ownerID}
	if e.Config != nil {
		acl.AdminIDs = e.Config.Admins
	}
	channelID, err := e.Platform.CreatePrivateChannel(ctx, "assignment-"+id, acl)
	if err != nil {
		return domain.Assignment{}, ChannelOpError{Op: "create", Err: err}
	}

	now := e.timestamp()
	a := domain.Assignment{
		ID:        id,
		OwnerID:   ownerID,
		ChannelID: channelID,
		Status:    domain.StatusPendingReview,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.insertSubmitted(ctx, a); err != nil {
		_ = e.Platform.DeleteChannel(ctx, channelID)
		return domain.Assignment{}, err
	}

	e.Notify.Channel(ctx, channelID, fmt.Sprintf("Assignment %s received. An administrator will review it shortly.", a.ID))
	e.Notify.Admins(ctx, fmt.Sprintf("New assignment %s from <@%s> awaiting review in <#%s>.", a.ID, ownerID, channelID))
	return a, nil
}

func (e Engine) insertSubmitted(ctx context.Context, a domain.Assignment) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "assignment.submitted", a.ID, a.OwnerID, events.EventPayload{"channel_id": a.ChannelID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmReview records the admin's doable decision. doable=false is a
// terminal rejection and schedules channel teardown after the grace window.
func (e Engine) ConfirmReview(ctx context.Context, channelID, actorID string, doable bool) (*Teardown, error) {
	if !e.isAdmin(actorID) {
		return nil, PermissionError{Action: "confirm_assignment"}
	}
	target := domain.StatusAwaitingPayment
	if !doable {
		target = domain.StatusRejected
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return nil, err
	}
	if err := ensureTransition(a.Status, target); err != nil {
		return nil, err
	}
	a.Status = target
	a.Reviewed = true
	a.Doable = &doable
	a.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.reviewed", a.ID, actorID, events.EventPayload{"doable": doable, "status": string(a.Status)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if doable {
		e.Notify.Channel(ctx, channelID, fmt.Sprintf("Assignment %s accepted. A payment link will follow.", a.ID))
		e.Notify.Owner(ctx, a.OwnerID, fmt.Sprintf("Your assignment %s was accepted.", a.ID))
		return nil, nil
	}
	e.Notify.Owner(ctx, a.OwnerID, fmt.Sprintf("Your assignment %s was declined. Its channel will be removed shortly.", a.ID))
	e.Notify.Channel(ctx, channelID, "This request was declined. The channel will be removed shortly.")
	return e.scheduleTeardown(a), nil
}

// SetDeadline is owner-only and idempotent while the scheduling window is
// open: allowed from awaiting_payment or in_progress, lands in in_progress.
func (e Engine) SetDeadline(ctx context.Context, channelID, actorID string, deadline time.Time) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return err
	}
	if a.OwnerID != actorID {
		return PermissionError{Action: "set_deadline"}
	}
	if !deadline.After(e.now()) {
		return ErrInvalidDeadline
	}
	if a.Status != domain.StatusAwaitingPayment && a.Status != domain.StatusInProgress {
		return InvalidTransitionError{From: a.Status, Attempted: domain.StatusInProgress}
	}
	ts := deadline.UTC().Format(time.RFC3339)
	a.Deadline = &ts
	a.Status = domain.StatusInProgress
	a.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "assignment.deadline_set", a.ID, actorID, events.EventPayload{"deadline": ts}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Notify.Channel(ctx, channelID, fmt.Sprintf("Deadline for assignment %s set to %s.", a.ID, ts))
	return nil
}

// DeliverAssignment is admin-only, from in_progress or revision_requested.
func (e Engine) DeliverAssignment(ctx context.Context, channelID, actorID string) error {
	if !e.isAdmin(actorID) {
		return PermissionError{Action: "deliver_assignment"}
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
	if err := ensureTransition(a.Status, domain.StatusDelivered); err != nil {
		return err
	}
	a.Status = domain.StatusDelivered
	a.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "assignment.delivered", a.ID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Notify.Channel(ctx, channelID, fmt.Sprintf("Assignment %s has been delivered.", a.ID))
	e.Notify.Owner(ctx, a.OwnerID, fmt.Sprintf("Assignment %s was delivered. Review it and request a revision if needed.", a.ID))
	return nil
}

// RequestRevision is owner-only, from delivered, and appends the revision
// text before moving to revision_requested.
func (e Engine) RequestRevision(ctx context.Context, channelID, actorID, details string) error {
	if strings.TrimSpace(details) == "" {
		return errors.New("revision details are required")
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
	if a.OwnerID != actorID {
		return PermissionError{Action: "request_revision"}
	}
	if err := ensureTransition(a.Status, domain.StatusRevisionRequested); err != nil {
		return err
	}
	now := e.timestamp()
	if err := e.Repo.AppendRevision(ctx, tx, domain.Revision{AssignmentID: a.ID, Details: details, CreatedAt: now}); err != nil {
		return err
	}
	a.Status = domain.StatusRevisionRequested
	a.UpdatedAt = now
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "assignment.revision_requested", a.ID, actorID, events.EventPayload{"details": details}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Notify.Admins(ctx, fmt.Sprintf("Revision requested on assignment %s in <#%s>: %s", a.ID, channelID, details))
	return nil
}

// CloseAssignment is admin-only, legal from any non-terminal status, and
// schedules teardown like a rejection.
func (e Engine) CloseAssignment(ctx context.Context, channelID, actorID string) (*Teardown, error) {
	if !e.isAdmin(actorID) {
		return nil, PermissionError{Action: "close_assignment"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentByChannelTx(ctx, tx, channelID)
	if err != nil {
		return nil, err
	}
	if err := ensureTransition(a.Status, domain.StatusClosed); err != nil {
		return nil, err
	}
	a.Status = domain.StatusClosed
	a.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.closed", a.ID, actorID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Notify.Owner(ctx, a.OwnerID, fmt.Sprintf("Assignment %s was closed. Its channel will be removed shortly.", a.ID))
	e.Notify.Channel(ctx, channelID, "This assignment is closed. The channel will be removed shortly.")
	return e.scheduleTeardown(a), nil
}

// Teardown is a pending channel removal following a terminal transition.
// The registry row stays queryable until the channel is actually gone.
type Teardown struct {
	AssignmentID string
	ChannelID    string

	timer    *time.Timer
	once     sync.Once
	done     chan struct{}
	err      error
	canceled bool
}

func (e Engine) scheduleTeardown(a domain.Assignment) *Teardown {
	t := &Teardown{
		AssignmentID: a.ID,
		ChannelID:    a.ChannelID,
		done:         make(chan struct{}),
	}
	t.timer = time.AfterFunc(e.TeardownDelay, func() {
		err := e.executeTeardown(context.Background(), a)
		t.once.Do(func() {
			t.err = err
			close(t.done)
		})
	})
	return t
}

// Cancel stops a teardown that has not fired yet.
func (t *Teardown) Cancel() bool {
	if !t.timer.Stop() {
		return false
	}
	t.once.Do(func() {
		t.canceled = true
		close(t.done)
	})
	return true
}

// Done is closed once the teardown ran or was canceled.
func (t *Teardown) Done() <-chan struct{} { return t.done }

// Canceled reports whether Cancel stopped the teardown. Valid after Done.
func (t *Teardown) Canceled() bool { return t.canceled }

// Err is the teardown outcome. Valid after Done.
func (t *Teardown) Err() error { return t.err }

// executeTeardown deletes the channel, then the registry row. A deletion
// failure keeps the row and is reported to the admins instead of being
// swallowed.
func (e Engine) executeTeardown(ctx context.Context, a domain.Assignment) error {
	if err := e.Platform.DeleteChannel(ctx, a.ChannelID); err != nil {
		e.Notify.Admins(ctx, fmt.Sprintf("Could not remove channel <#%s> for assignment %s: %v", a.ChannelID, a.ID, err))
		return ChannelOpError{Op: "delete", Err: err}
	}
	if err := e.Repo.DeleteAssignment(ctx, a.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "assignment.torn_down", a.ID, "", events.EventPayload{"channel_id": a.ChannelID}); err != nil {
		return err
	}
	return tx.Commit()
}
