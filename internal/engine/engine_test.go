package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"assignline/internal/config"
	"assignline/internal/db"
	"assignline/internal/domain"
	"assignline/internal/engine"
	"assignline/internal/gateway"
	"assignline/internal/migrate"
	"assignline/internal/platform"
	"assignline/internal/repo"
)

const (
	adminID  = "UADMIN"
	admin2ID = "UADMIN2"
	ownerID  = "USTUDENT"
)

type fakePlatform struct {
	mu       sync.Mutex
	nextID   int
	created  []string
	deleted  []string
	channels map[string][]string
	dms      map[string][]string

	createErr error
	deleteErr error
	dmErr     map[string]error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		channels: map[string][]string{},
		dms:      map[string][]string{},
		dmErr:    map[string]error{},
	}
}

func (f *fakePlatform) CreatePrivateChannel(ctx context.Context, name string, acl platform.ChannelACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := "C" + name
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakePlatform) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *fakePlatform) SendChannelMessage(ctx context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID] = append(f.channels[channelID], text)
	return nil
}

func (f *fakePlatform) SendDirectMessage(ctx context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dmErr[userID]; err != nil {
		return err
	}
	f.dms[userID] = append(f.dms[userID], text)
	return nil
}

func (f *fakePlatform) LookupUserName(ctx context.Context, userID string) (string, error) {
	return userID, nil
}

func (f *fakePlatform) channelCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels[channelID])
}

func (f *fakePlatform) dmCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dms[userID])
}

func (f *fakePlatform) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type fakeGateway struct {
	mu          sync.Mutex
	links       gateway.Links
	paid        bool
	createErr   error
	verifyErr   error
	verifyCalls int
}

func (g *fakeGateway) CreateLinks(ctx context.Context, paymentID string, amount decimal.Decimal) (gateway.Links, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	if g.links != nil {
		return g.links, nil
	}
	return gateway.Links{"stripe": "https://checkout.test/" + paymentID}, nil
}

func (g *fakeGateway) Verify(ctx context.Context, paymentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return false, g.verifyErr
	}
	return g.paid, nil
}

type testEnv struct {
	Engine   engine.Engine
	Platform *fakePlatform
	Gateway  *fakeGateway
	Ctx      context.Context

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{Admins: []string{adminID, admin2ID}}
	cfg.Channels.Reviews = "CREVIEWS"
	cfg.Channels.PaymentStatus = "CPAYMENTS"
	cfg.Channels.Broadcast = "CBCAST"

	env := &testEnv{
		Platform: newFakePlatform(),
		Gateway:  &fakeGateway{},
		Ctx:      context.Background(),
		now:      time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, cfg, env.Platform, env.Gateway)
	eng.Now = func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
	eng.TeardownDelay = 25 * time.Millisecond
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.now = env.now.Add(d)
}

func (env *testEnv) clock() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

func (env *testEnv) submit(t *testing.T) domain.Assignment {
	t.Helper()
	a, err := env.Engine.SubmitAssignment(env.Ctx, ownerID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return a
}

// submitInProgress walks a fresh assignment to in_progress.
func (env *testEnv) submitInProgress(t *testing.T) domain.Assignment {
	t.Helper()
	a := env.submit(t)
	if _, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, true); err != nil {
		t.Fatalf("confirm review: %v", err)
	}
	if _, err := env.Engine.GeneratePaymentLinks(env.Ctx, a.ChannelID, decimal.NewFromInt(50), adminID); err != nil {
		t.Fatalf("generate payment: %v", err)
	}
	env.Gateway.paid = true
	if _, err := env.Engine.ConfirmPayment(env.Ctx, a.ChannelID, ownerID); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	return env.status(t, a.ChannelID)
}

func (env *testEnv) status(t *testing.T, channelID string) domain.Assignment {
	t.Helper()
	a, err := env.Engine.Repo.GetAssignmentByChannel(env.Ctx, channelID)
	if err != nil {
		t.Fatalf("get by channel: %v", err)
	}
	return a
}

func waitDone(t *testing.T, td *engine.Teardown) {
	t.Helper()
	select {
	case <-td.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never completed")
	}
}

func TestSubmitAssignmentCreatesChannelThenRow(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)

	if a.Status != domain.StatusPendingReview {
		t.Fatalf("status = %s", a.Status)
	}
	if a.ChannelID != "Cassignment-"+a.ID {
		t.Fatalf("channel = %s", a.ChannelID)
	}
	got := env.status(t, a.ChannelID)
	if got.ID != a.ID || got.OwnerID != ownerID {
		t.Fatalf("stored = %+v", got)
	}
	if env.Platform.dmCount(adminID) == 0 || env.Platform.dmCount(admin2ID) == 0 {
		t.Fatal("admins were not notified")
	}
}

func TestSubmitAssignmentChannelFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.createErr = errors.New("platform down")

	_, err := env.Engine.SubmitAssignment(env.Ctx, ownerID)
	var cerr engine.ChannelOpError
	if !errors.As(err, &cerr) || cerr.Op != "create" {
		t.Fatalf("expected create ChannelOpError, got %v", err)
	}
	rows, err := env.Engine.Repo.ListAssignments(env.Ctx, repo.AssignmentFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestConfirmReviewRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)

	_, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, ownerID, true)
	var perr engine.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if got := env.status(t, a.ChannelID); got.Status != domain.StatusPendingReview {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestConfirmReviewDoable(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)

	td, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, true)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if td != nil {
		t.Fatal("doable confirm must not schedule teardown")
	}
	got := env.status(t, a.ChannelID)
	if got.Status != domain.StatusAwaitingPayment || !got.Reviewed || got.Doable == nil || !*got.Doable {
		t.Fatalf("stored = %+v", got)
	}
	// guard re-check: confirming twice is illegal
	_, err = env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, true)
	var terr engine.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestRejectionTeardownLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)

	td, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if td == nil {
		t.Fatal("rejection must schedule teardown")
	}

	// within the grace window the row is queryable and terminal
	got := env.status(t, a.ChannelID)
	if got.Status != domain.StatusRejected {
		t.Fatalf("status = %s", got.Status)
	}

	waitDone(t, td)
	if td.Err() != nil {
		t.Fatalf("teardown: %v", td.Err())
	}
	if _, err := env.Engine.Repo.GetAssignment(env.Ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected NotFound after teardown, got %v", err)
	}
	if env.Platform.deletedCount() != 1 {
		t.Fatalf("deleted = %d channels", env.Platform.deletedCount())
	}
}

func TestTeardownDeletionFailureRetainsRow(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)
	env.Platform.deleteErr = errors.New("missing_scope")

	td, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitDone(t, td)

	var cerr engine.ChannelOpError
	if !errors.As(td.Err(), &cerr) || cerr.Op != "delete" {
		t.Fatalf("expected delete ChannelOpError, got %v", td.Err())
	}
	got := env.status(t, a.ChannelID)
	if got.Status != domain.StatusRejected {
		t.Fatalf("status = %s", got.Status)
	}
	if env.Platform.dmCount(adminID) < 2 {
		t.Fatal("deletion failure was not reported to admins")
	}
}

func TestTeardownCancel(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.TeardownDelay = time.Hour
	a := env.submit(t)

	td, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !td.Cancel() {
		t.Fatal("Cancel reported not stopped")
	}
	if !td.Canceled() {
		t.Fatal("Canceled() = false")
	}
	if got := env.status(t, a.ChannelID); got.Status != domain.StatusRejected {
		t.Fatalf("status = %s", got.Status)
	}
	if env.Platform.deletedCount() != 0 {
		t.Fatal("channel was deleted despite cancel")
	}
}

func TestSetDeadline(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)
	if _, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, true); err != nil {
		t.Fatal(err)
	}
	future := env.clock().Add(48 * time.Hour)

	if err := env.Engine.SetDeadline(env.Ctx, a.ChannelID, adminID, future); err == nil {
		t.Fatal("non-owner set a deadline")
	}
	if err := env.Engine.SetDeadline(env.Ctx, a.ChannelID, ownerID, env.clock().Add(-time.Hour)); !errors.Is(err, engine.ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline, got %v", err)
	}
	if err := env.Engine.SetDeadline(env.Ctx, a.ChannelID, ownerID, future); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	got := env.status(t, a.ChannelID)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Deadline == nil || *got.Deadline != future.UTC().Format(time.RFC3339) {
		t.Fatalf("deadline = %v", got.Deadline)
	}
	// idempotent within the scheduling window
	if err := env.Engine.SetDeadline(env.Ctx, a.ChannelID, ownerID, future.Add(time.Hour)); err != nil {
		t.Fatalf("re-set deadline: %v", err)
	}
}

func TestTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)

	// pending_review rejects everything but review confirmation and close
	if err := env.Engine.DeliverAssignment(env.Ctx, a.ChannelID, adminID); !isInvalidTransition(err) {
		t.Fatalf("deliver from pending_review: %v", err)
	}
	if err := env.Engine.RequestRevision(env.Ctx, a.ChannelID, ownerID, "fix"); !isInvalidTransition(err) {
		t.Fatalf("revision from pending_review: %v", err)
	}
	if _, err := env.Engine.GeneratePaymentLinks(env.Ctx, a.ChannelID, decimal.NewFromInt(10), adminID); !isInvalidTransition(err) {
		t.Fatalf("generate from pending_review: %v", err)
	}
	if err := env.Engine.SetDeadline(env.Ctx, a.ChannelID, ownerID, env.clock().Add(time.Hour)); !isInvalidTransition(err) {
		t.Fatalf("deadline from pending_review: %v", err)
	}
	if got := env.status(t, a.ChannelID); got.Status != domain.StatusPendingReview {
		t.Fatalf("status mutated to %s", got.Status)
	}
}

func isInvalidTransition(err error) bool {
	var terr engine.InvalidTransitionError
	return errors.As(err, &terr)
}

func TestCloseAssignmentTerminalGuard(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.TeardownDelay = time.Hour
	a := env.submit(t)

	td, err := env.Engine.CloseAssignment(env.Ctx, a.ChannelID, adminID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	defer td.Cancel()
	if got := env.status(t, a.ChannelID); got.Status != domain.StatusClosed {
		t.Fatalf("status = %s", got.Status)
	}
	// closing twice is illegal: already terminal
	if _, err := env.Engine.CloseAssignment(env.Ctx, a.ChannelID, adminID); !isInvalidTransition(err) {
		t.Fatalf("second close: %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)

	if _, err := env.Engine.ConfirmReview(env.Ctx, a.ChannelID, adminID, true); err != nil {
		t.Fatalf("confirm review: %v", err)
	}
	links, err := env.Engine.GeneratePaymentLinks(env.Ctx, a.ChannelID, decimal.RequireFromString("50"), adminID)
	if err != nil {
		t.Fatalf("generate payment: %v", err)
	}
	if len(links) == 0 {
		t.Fatal("no links returned")
	}
	session, err := env.Engine.CheckPaymentStatus(env.Ctx, a.ID, ownerID)
	if err != nil {
		t.Fatalf("check payment: %v", err)
	}
	if session.Paid {
		t.Fatal("session paid before confirmation")
	}

	env.Gateway.paid = true
	ok, err := env.Engine.ConfirmPayment(env.Ctx, a.ChannelID, ownerID)
	if err != nil || !ok {
		t.Fatalf("confirm payment: ok=%v err=%v", ok, err)
	}
	session, err = env.Engine.CheckPaymentStatus(env.Ctx, a.ID, ownerID)
	if err != nil || !session.Paid {
		t.Fatalf("session after confirm: %+v err=%v", session, err)
	}
	if got := env.status(t, a.ChannelID); got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}

	if err := env.Engine.SetDeadline(env.Ctx, a.ChannelID, ownerID, env.clock().Add(48*time.Hour)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if err := env.Engine.DeliverAssignment(env.Ctx, a.ChannelID, adminID); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := env.Engine.RequestRevision(env.Ctx, a.ChannelID, ownerID, "fix section 2"); err != nil {
		t.Fatalf("request revision: %v", err)
	}
	revs, err := env.Engine.Repo.ListRevisions(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revs) != 1 || revs[0].Details != "fix section 2" {
		t.Fatalf("revisions = %+v", revs)
	}
	if err := env.Engine.DeliverAssignment(env.Ctx, a.ChannelID, adminID); err != nil {
		t.Fatalf("deliver again: %v", err)
	}
	if got := env.status(t, a.ChannelID); got.Status != domain.StatusDelivered {
		t.Fatalf("final status = %s", got.Status)
	}
}
