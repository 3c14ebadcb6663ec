package notify

import (
	"context"
	"log"
	"os"

	"assignline/internal/config"
	"assignline/internal/platform"
)

// Notifier fans outbound messages to admins, owners and the designated feed
// channels. Delivery is best effort: failures are logged and never bubble up
// to the transition that triggered them. OwnerStrict is the one exception.
type Notifier struct {
	Platform platform.Platform
	Config   *config.Config
	Log      *log.Logger
}

func New(p platform.Platform, cfg *config.Config) *Notifier {
	return &Notifier{
		Platform: p,
		Config:   cfg,
		Log:      log.New(os.Stderr, "notify ", log.LstdFlags),
	}
}

func (n *Notifier) logf(format string, args ...any) {
	if n.Log != nil {
		n.Log.Printf(format, args...)
	}
}

// Admins direct-messages every configured administrator.
func (n *Notifier) Admins(ctx context.Context, text string) {
	if n.Config == nil {
		return
	}
	for _, id := range n.Config.Admins {
		if err := n.Platform.SendDirectMessage(ctx, id, text); err != nil {
			n.logf("admin dm %s: %v", id, err)
		}
	}
}

// Owner direct-messages the assignment owner.
func (n *Notifier) Owner(ctx context.Context, userID, text string) {
	if err := n.Platform.SendDirectMessage(ctx, userID, text); err != nil {
		n.logf("owner dm %s: %v", userID, err)
	}
}

// OwnerStrict direct-messages the owner and returns the delivery error so
// the caller can report it. State already committed by the caller stands.
func (n *Notifier) OwnerStrict(ctx context.Context, userID, text string) error {
	return n.Platform.SendDirectMessage(ctx, userID, text)
}

// Channel posts to an assignment channel.
func (n *Notifier) Channel(ctx context.Context, channelID, text string) {
	if channelID == "" {
		return
	}
	if err := n.Platform.SendChannelMessage(ctx, channelID, text); err != nil {
		n.logf("channel %s: %v", channelID, err)
	}
}

// ReviewsFeed posts to the configured review feed channel.
func (n *Notifier) ReviewsFeed(ctx context.Context, text string) {
	n.feed(ctx, n.channels().Reviews, "reviews", text)
}

// PaymentFeed posts to the configured payment status channel.
func (n *Notifier) PaymentFeed(ctx context.Context, text string) {
	n.feed(ctx, n.channels().PaymentStatus, "payment_status", text)
}

// Broadcast posts to the configured broadcast channel.
func (n *Notifier) Broadcast(ctx context.Context, text string) {
	n.feed(ctx, n.channels().Broadcast, "broadcast", text)
}

func (n *Notifier) feed(ctx context.Context, channelID, name, text string) {
	if channelID == "" {
		n.logf("%s feed not configured, dropping message", name)
		return
	}
	if err := n.Platform.SendChannelMessage(ctx, channelID, text); err != nil {
		n.logf("%s feed %s: %v", name, channelID, err)
	}
}

func (n *Notifier) channels() config.Channels {
	if n.Config == nil {
		return config.Channels{}
	}
	return n.Config.Channels
}
