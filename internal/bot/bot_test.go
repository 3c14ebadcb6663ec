package bot_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"assignline/internal/bot"
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
	ownerID  = "USTUDENT"
	uploadCh = "CUPLOAD"
)

type fakePlatform struct {
	mu       sync.Mutex
	channels map[string][]string
	dms      map[string][]string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{channels: map[string][]string{}, dms: map[string][]string{}}
}

func (f *fakePlatform) CreatePrivateChannel(ctx context.Context, name string, acl platform.ChannelACL) (string, error) {
	return "C" + name, nil
}
func (f *fakePlatform) DeleteChannel(ctx context.Context, channelID string) error { return nil }
func (f *fakePlatform) SendChannelMessage(ctx context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID] = append(f.channels[channelID], text)
	return nil
}
func (f *fakePlatform) SendDirectMessage(ctx context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[userID] = append(f.dms[userID], text)
	return nil
}
func (f *fakePlatform) LookupUserName(ctx context.Context, userID string) (string, error) {
	return userID, nil
}

func newTestBot(t *testing.T) (*bot.Bot, *fakePlatform, *gateway.Static) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{Admins: []string{adminID}}
	cfg.Channels.Upload = uploadCh
	cfg.Channels.Reviews = "CREVIEWS"
	cfg.Channels.PaymentStatus = "CPAYMENTS"

	p := newFakePlatform()
	gw := &gateway.Static{Paid: true}
	eng := engine.New(conn, cfg, p, gw)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	eng.TeardownDelay = time.Hour
	return &bot.Bot{Engine: eng, Config: cfg, Platform: p}, p, gw
}

func dispatch(t *testing.T, b *bot.Bot, actorID, channelID, text string) string {
	t.Helper()
	cmd, ok := bot.ParseCommand(actorID, channelID, text)
	if !ok {
		t.Fatalf("%q did not parse as a command", text)
	}
	return b.Dispatch(context.Background(), cmd)
}

func TestParseCommand(t *testing.T) {
	if _, ok := bot.ParseCommand("U1", "C1", "hello there"); ok {
		t.Fatal("plain text parsed as command")
	}
	if _, ok := bot.ParseCommand("U1", "C1", "  "); ok {
		t.Fatal("whitespace parsed as command")
	}
	cmd, ok := bot.ParseCommand("U1", "C1", "!Request_Revision fix the   intro")
	if !ok {
		t.Fatal("command did not parse")
	}
	if cmd.Name != "request_revision" {
		t.Fatalf("name = %q", cmd.Name)
	}
	if len(cmd.Args) != 3 || cmd.Args[0] != "fix" {
		t.Fatalf("args = %v", cmd.Args)
	}
}

func TestUploadOutsideUploadChannel(t *testing.T) {
	b, _, _ := newTestBot(t)
	reply := dispatch(t, b, ownerID, "CRANDOM", "!upload_assignment")
	if !strings.Contains(reply, uploadCh) {
		t.Fatalf("reply = %q", reply)
	}
}

func TestUnknownCommand(t *testing.T) {
	b, _, _ := newTestBot(t)
	reply := dispatch(t, b, ownerID, uploadCh, "!frobnicate")
	if !strings.Contains(reply, "!help") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestCommandLifecycle(t *testing.T) {
	b, p, _ := newTestBot(t)
	ctx := context.Background()

	reply := dispatch(t, b, ownerID, uploadCh, "!upload_assignment")
	if !strings.Contains(reply, "created") {
		t.Fatalf("upload reply = %q", reply)
	}
	rows, err := b.Engine.Repo.ListAssignments(ctx, repo.AssignmentFilters{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %v err = %v", rows, err)
	}
	ch := rows[0].ChannelID

	if reply := dispatch(t, b, ownerID, ch, "!confirm_assignment yes"); !strings.Contains(reply, "permission") {
		t.Fatalf("non-admin confirm reply = %q", reply)
	}
	if reply := dispatch(t, b, adminID, ch, "!confirm_assignment maybe"); !strings.Contains(reply, "Usage") {
		t.Fatalf("bad arg reply = %q", reply)
	}
	if reply := dispatch(t, b, adminID, ch, "!confirm_assignment yes"); !strings.Contains(reply, "accepted") {
		t.Fatalf("confirm reply = %q", reply)
	}
	if reply := dispatch(t, b, adminID, ch, "!generate_payment 50"); reply != "" {
		t.Fatalf("generate reply = %q", reply)
	}
	if reply := dispatch(t, b, ownerID, ch, "!check_payment_status"); !strings.Contains(reply, "unpaid") {
		t.Fatalf("check reply = %q", reply)
	}
	if reply := dispatch(t, b, ownerID, ch, "!confirm_payment"); reply != "" {
		t.Fatalf("confirm payment reply = %q", reply)
	}
	if reply := dispatch(t, b, adminID, ch, "!deliver_assignment"); !strings.Contains(reply, "delivered") {
		t.Fatalf("deliver reply = %q", reply)
	}
	if reply := dispatch(t, b, ownerID, ch, "!leave_review 5 great work"); !strings.Contains(reply, "review") {
		t.Fatalf("review reply = %q", reply)
	}
	p.mu.Lock()
	reviewPosts := len(p.channels["CREVIEWS"])
	p.mu.Unlock()
	if reviewPosts != 1 {
		t.Fatalf("review feed posts = %d", reviewPosts)
	}
}

func TestInvalidTransitionReply(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()
	a, err := b.Engine.SubmitAssignment(ctx, ownerID)
	if err != nil {
		t.Fatal(err)
	}
	reply := dispatch(t, b, adminID, a.ChannelID, "!deliver_assignment")
	if !strings.Contains(reply, string(domain.StatusPendingReview)) {
		t.Fatalf("reply = %q", reply)
	}
}

func TestSendDMAdminOnly(t *testing.T) {
	b, p, _ := newTestBot(t)
	if reply := dispatch(t, b, ownerID, uploadCh, "!send_dm <@U2> hi"); !strings.Contains(reply, "permission") {
		t.Fatalf("reply = %q", reply)
	}
	if reply := dispatch(t, b, adminID, uploadCh, "!send_dm <@U2> hi there"); !strings.Contains(reply, "sent") {
		t.Fatalf("reply = %q", reply)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.dms["U2"]) != 1 || p.dms["U2"][0] != "hi there" {
		t.Fatalf("dms = %v", p.dms)
	}
}

func TestScheduleBroadcastValidation(t *testing.T) {
	b, _, _ := newTestBot(t)
	if reply := dispatch(t, b, adminID, uploadCh, "!schedule_broadcast notatime hello"); !strings.Contains(reply, "RFC 3339") {
		t.Fatalf("reply = %q", reply)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	if reply := dispatch(t, b, adminID, uploadCh, "!schedule_broadcast "+past+" hello"); !strings.Contains(reply, "future") {
		t.Fatalf("reply = %q", reply)
	}
}
