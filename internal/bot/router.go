package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"assignline/internal/domain"
	"assignline/internal/engine"
	"assignline/internal/gateway"
	"assignline/internal/platform"
	"assignline/internal/repo"
)

// Command is one parsed "!" invocation.
type Command struct {
	Name      string
	Args      []string
	ActorID   string
	ChannelID string
}

// rest joins the arguments from i onward back into free text.
func (c Command) rest(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	return strings.Join(c.Args[i:], " ")
}

// ParseCommand recognizes "!name arg..." messages. Anything else is not a
// command and is ignored.
func ParseCommand(actorID, channelID, text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return Command{}, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{
		Name:      strings.ToLower(fields[0]),
		Args:      fields[1:],
		ActorID:   actorID,
		ChannelID: channelID,
	}, true
}

// Dispatch executes a command and returns the reply for the originating
// channel. An empty reply means nothing to say.
func (b *Bot) Dispatch(ctx context.Context, cmd Command) string {
	switch cmd.Name {
	case "upload_assignment":
		return b.cmdUpload(ctx, cmd)
	case "confirm_assignment":
		return b.cmdConfirm(ctx, cmd)
	case "set_deadline":
		return b.cmdSetDeadline(ctx, cmd)
	case "generate_payment":
		return b.cmdGeneratePayment(ctx, cmd)
	case "confirm_payment":
		return b.cmdConfirmPayment(ctx, cmd)
	case "check_payment_status":
		return b.cmdCheckPayment(ctx, cmd)
	case "deliver_assignment":
		return b.reply(b.Engine.DeliverAssignment(ctx, cmd.ChannelID, cmd.ActorID), "📦 Assignment delivered.")
	case "request_revision":
		return b.cmdRequestRevision(ctx, cmd)
	case "close_assignment":
		return b.cmdClose(ctx, cmd)
	case "leave_review":
		return b.cmdLeaveReview(ctx, cmd)
	case "initiate_dispute":
		return b.cmdInitiateDispute(ctx, cmd)
	case "resolve_dispute":
		return b.cmdResolveDispute(ctx, cmd)
	case "send_reminder":
		return b.cmdSendReminder(ctx, cmd)
	case "send_dm":
		return b.cmdSendDM(ctx, cmd)
	case "schedule_broadcast":
		return b.cmdScheduleBroadcast(ctx, cmd)
	case "help":
		return helpText
	default:
		return "⚠️ Unknown command. Try !help."
	}
}

func (b *Bot) cmdUpload(ctx context.Context, cmd Command) string {
	if b.Config.Channels.Upload != "" && cmd.ChannelID != b.Config.Channels.Upload {
		return fmt.Sprintf("⚠️ Please submit assignments in <#%s>.", b.Config.Channels.Upload)
	}
	a, err := b.Engine.SubmitAssignment(ctx, cmd.ActorID)
	if err != nil {
		return userError(err)
	}
	return fmt.Sprintf("✅ Assignment %s created. Continue in <#%s>.", a.ID, a.ChannelID)
}

func (b *Bot) cmdConfirm(ctx context.Context, cmd Command) string {
	if len(cmd.Args) < 1 {
		return "⚠️ Usage: !confirm_assignment <yes|no>"
	}
	var doable bool
	switch strings.ToLower(cmd.Args[0]) {
	case "yes", "true", "doable":
		doable = true
	case "no", "false", "not_doable":
		doable = false
	default:
		return "⚠️ Usage: !confirm_assignment <yes|no>"
	}
	_, err := b.Engine.ConfirmReview(ctx, cmd.ChannelID, cmd.ActorID, doable)
	if err != nil {
		return userError(err)
	}
	if doable {
		return "✅ Assignment accepted. Generate a payment link with !generate_payment <amount>."
	}
	return "✅ Assignment declined. This channel will be removed shortly."
}

func (b *Bot) cmdSetDeadline(ctx context.Context, cmd Command) string {
	if len(cmd.Args) < 1 {
		return "⚠️ Usage: !set_deadline <YYYY-MM-DDTHH:MM:SSZ>"
	}
	deadline, err := time.Parse(time.RFC3339, cmd.Args[0])
	if err != nil {
		return "⚠️ Please provide the deadline in RFC 3339 format, e.g. 2026-09-01T17:00:00Z."
	}
	return b.reply(b.Engine.SetDeadline(ctx, cmd.ChannelID, cmd.ActorID, deadline),
		fmt.Sprintf("✅ Deadline set to %s.", deadline.UTC().Format(time.RFC3339)))
}

func (b *Bot) cmdGeneratePayment(ctx context.Context, cmd Command) string {
	if len(cmd.Args) < 1 {
		return "⚠️ Usage: !generate_payment <amount>"
	}
	amount, err := decimal.NewFromString(cmd.Args[0])
	if err != nil {
		return "⚠️ Amount must be a number, e.g. 50 or 49.99."
	}
	if _, err := b.Engine.GeneratePaymentLinks(ctx, cmd.ChannelID, amount, cmd.ActorID); err != nil {
		return userError(err)
	}
	// the engine already posted the links to the channel
	return ""
}

func (b *Bot) cmdConfirmPayment(ctx context.Context, cmd Command) string {
	paid, err := b.Engine.ConfirmPayment(ctx, cmd.ChannelID, cmd.ActorID)
	if err != nil {
		return userError(err)
	}
	if !paid {
		return "⌛ Payment not confirmed yet. Complete the checkout and try again."
	}
	return ""
}

func (b *Bot) cmdCheckPayment(ctx context.Context, cmd Command) string {
	var a domain.Assignment
	var err error
	if len(cmd.Args) >= 1 {
		a, err = b.Engine.Repo.GetAssignment(ctx, cmd.Args[0])
	} else {
		a, err = b.Engine.Repo.GetAssignmentByChannel(ctx, cmd.ChannelID)
	}
	if err != nil {
		return userError(err)
	}
	session, err := b.Engine.CheckPaymentStatus(ctx, a.ID, a.OwnerID)
	if err != nil {
		return userError(err)
	}
	state := "unpaid"
	if session.Paid {
		state = "paid"
	}
	return fmt.Sprintf("💳 Assignment %s: %s %s (status %s).", a.ID, session.Amount.StringFixed(2), state, a.Status)
}

func (b *Bot) cmdRequestRevision(ctx context.Context, cmd Command) string {
	details := cmd.rest(0)
	if details == "" {
		return "⚠️ Usage: !request_revision <details>"
	}
	return b.reply(b.Engine.RequestRevision(ctx, cmd.ChannelID, cmd.ActorID, details),
		"✅ Revision requested.")
}

func (b *Bot) cmdClose(ctx context.Context, cmd Command) string {
	if _, err := b.Engine.CloseAssignment(ctx, cmd.ChannelID, cmd.ActorID); err != nil {
		return userError(err)
	}
	return "✅ Assignment closed. This channel will be removed shortly."
}

func (b *Bot) cmdLeaveReview(ctx context.Context, cmd Command) string {
	if len(cmd.Args) < 1 {
		return "⚠️ Usage: !leave_review <1-5> [comment]"
	}
	rating, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return "⚠️ Rating must be a number from 1 to 5."
	}
	if _, err := b.Engine.LeaveReview(ctx, cmd.ChannelID, cmd.ActorID, rating, cmd.rest(1)); err != nil {
		return userError(err)
	}
	return "⭐ Thanks for your review!"
}

func (b *Bot) cmdInitiateDispute(ctx context.Context, cmd Command) string {
	reason := cmd.rest(0)
	if reason == "" {
		return "⚠️ Usage: !initiate_dispute <reason>"
	}
	if _, err := b.Engine.InitiateDispute(ctx, cmd.ChannelID, cmd.ActorID, reason); err != nil {
		return userError(err)
	}
	return "🚩 Dispute recorded. An administrator will follow up."
}

func (b *Bot) cmdResolveDispute(ctx context.Context, cmd Command) string {
	resolution := cmd.rest(0)
	if resolution == "" {
		return "⚠️ Usage: !resolve_dispute <resolution>"
	}
	return b.reply(b.Engine.ResolveDispute(ctx, cmd.ChannelID, cmd.ActorID, resolution),
		"✅ Dispute resolved and owner notified.")
}

func (b *Bot) cmdSendReminder(ctx context.Context, cmd Command) string {
	if !b.Config.IsAdmin(cmd.ActorID) {
		return userError(engine.PermissionError{Action: "send_reminder"})
	}
	if len(cmd.Args) < 2 {
		return "⚠️ Usage: !send_reminder <user> <message>"
	}
	user := stripMention(cmd.Args[0])
	text := "⏰ Reminder: " + cmd.rest(1)
	if err := b.Platform.SendDirectMessage(ctx, user, text); err != nil {
		return fmt.Sprintf("❌ Unable to send a reminder to <@%s>.", user)
	}
	return fmt.Sprintf("✅ Reminder sent to <@%s>.", user)
}

func (b *Bot) cmdSendDM(ctx context.Context, cmd Command) string {
	if !b.Config.IsAdmin(cmd.ActorID) {
		return userError(engine.PermissionError{Action: "send_dm"})
	}
	if len(cmd.Args) < 2 {
		return "⚠️ Usage: !send_dm <user> <message>"
	}
	user := stripMention(cmd.Args[0])
	if err := b.Platform.SendDirectMessage(ctx, user, cmd.rest(1)); err != nil {
		return fmt.Sprintf("❌ Unable to message <@%s>. They may have DMs disabled.", user)
	}
	return fmt.Sprintf("✅ Message sent to <@%s>.", user)
}

func (b *Bot) cmdScheduleBroadcast(ctx context.Context, cmd Command) string {
	if !b.Config.IsAdmin(cmd.ActorID) {
		return userError(engine.PermissionError{Action: "schedule_broadcast"})
	}
	if len(cmd.Args) < 2 {
		return "⚠️ Usage: !schedule_broadcast <YYYY-MM-DDTHH:MM:SSZ> <message>"
	}
	at, err := time.Parse(time.RFC3339, cmd.Args[0])
	if err != nil {
		return "⚠️ Please provide the time in RFC 3339 format."
	}
	delay := time.Until(at)
	if delay <= 0 {
		return "⚠️ The scheduled time must be in the future."
	}
	if b.Config.Channels.Broadcast == "" {
		return "⚠️ No broadcast channel is configured."
	}
	platform.Schedule(b.Platform, b.Config.Channels.Broadcast, cmd.rest(1), delay)
	return fmt.Sprintf("✅ Broadcast scheduled for %s.", at.UTC().Format(time.RFC3339))
}

// reply maps an error to a user-facing message, or returns ok on success.
func (b *Bot) reply(err error, ok string) string {
	if err != nil {
		return userError(err)
	}
	return ok
}

// userError translates the engine's error taxonomy into channel replies.
func userError(err error) string {
	var perr engine.PermissionError
	var terr engine.InvalidTransitionError
	var cerr engine.ChannelOpError
	var nerr engine.NotificationError
	var gerr *gateway.Error
	switch {
	case errors.As(err, &perr):
		return "🚫 You don't have permission to do that."
	case errors.As(err, &terr):
		return fmt.Sprintf("⚠️ That action isn't available while the assignment is %s.", terr.From)
	case errors.Is(err, engine.ErrInvalidAmount):
		return "⚠️ Amount must be greater than zero."
	case errors.Is(err, engine.ErrInvalidRating):
		return "⚠️ Rating must be between 1 and 5."
	case errors.Is(err, engine.ErrInvalidDeadline):
		return "⚠️ The deadline must be in the future."
	case errors.Is(err, repo.ErrNotFound):
		return "⚠️ No assignment is associated with this channel."
	case errors.As(err, &gerr):
		return "❌ The payment provider is unavailable. Please try again later."
	case errors.As(err, &cerr):
		return fmt.Sprintf("❌ Channel operation failed (%s). An administrator has been notified.", cerr.Op)
	case errors.As(err, &nerr):
		return "⚠️ Done, but the owner could not be notified directly."
	default:
		return "❌ Something went wrong: " + err.Error()
	}
}

// stripMention turns "<@U123>" into "U123".
func stripMention(s string) string {
	s = strings.TrimPrefix(s, "<@")
	s = strings.TrimSuffix(s, ">")
	return s
}

const helpText = "Commands:\n" +
	"!upload_assignment — open a private assignment channel\n" +
	"!confirm_assignment <yes|no> — admin: accept or decline\n" +
	"!generate_payment <amount> — admin: post payment links\n" +
	"!confirm_payment — owner: verify your payment\n" +
	"!check_payment_status [assignment] — show payment state\n" +
	"!set_deadline <RFC3339> — owner: set the due date\n" +
	"!deliver_assignment — admin: mark delivered\n" +
	"!request_revision <details> — owner: ask for changes\n" +
	"!close_assignment — admin: close and tear down\n" +
	"!leave_review <1-5> [comment] — rate the work\n" +
	"!initiate_dispute <reason> — flag a problem\n" +
	"!resolve_dispute <resolution> — admin: settle a dispute\n" +
	"!send_reminder <user> <message> — admin\n" +
	"!send_dm <user> <message> — admin\n" +
	"!schedule_broadcast <RFC3339> <message> — admin"
