package platform

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackAPI abstracts the subset of slack.Client methods the platform uses.
// This allows tests to substitute a mock implementation without a live
// Slack connection.
type SlackAPI interface {
	CreateConversationContext(ctx context.Context, params slack.CreateConversationParams) (*slack.Channel, error)
	InviteUsersToConversationContext(ctx context.Context, channelID string, users ...string) (*slack.Channel, error)
	ArchiveConversationContext(ctx context.Context, channelID string) error
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// Slack implements Platform on top of the Slack Web API. Channel deletion is
// archival: bot tokens cannot hard-delete conversations.
type Slack struct {
	API SlackAPI
}

func NewSlack(botToken string) *Slack {
	return &Slack{API: slack.New(botToken)}
}

func (s *Slack) CreatePrivateChannel(ctx context.Context, name string, acl ChannelACL) (string, error) {
	ch, err := s.API.CreateConversationContext(ctx, slack.CreateConversationParams{
		ChannelName: name,
		IsPrivate:   true,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation %s: %w", name, err)
	}
	members := acl.Members()
	if len(members) == 0 {
		return ch.ID, nil
	}
	if _, err := s.API.InviteUsersToConversationContext(ctx, ch.ID, members...); err != nil {
		// No member could see the channel; archive it so the failed
		// submission leaves nothing behind.
		_ = s.API.ArchiveConversationContext(ctx, ch.ID)
		return "", fmt.Errorf("invite to %s: %w", ch.ID, err)
	}
	return ch.ID, nil
}

func (s *Slack) DeleteChannel(ctx context.Context, channelID string) error {
	if err := s.API.ArchiveConversationContext(ctx, channelID); err != nil {
		return fmt.Errorf("archive %s: %w", channelID, err)
	}
	return nil
}

func (s *Slack) SendChannelMessage(ctx context.Context, channelID, text string) error {
	_, _, err := s.API.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post to %s: %w", channelID, err)
	}
	return nil
}

func (s *Slack) SendDirectMessage(ctx context.Context, userID, text string) error {
	ch, _, _, err := s.API.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return fmt.Errorf("open dm with %s: %w", userID, err)
	}
	_, _, err = s.API.PostMessageContext(ctx, ch.ID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("dm %s: %w", userID, err)
	}
	return nil
}

func (s *Slack) LookupUserName(ctx context.Context, userID string) (string, error) {
	u, err := s.API.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("user info %s: %w", userID, err)
	}
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName, nil
	}
	if u.RealName != "" {
		return u.RealName, nil
	}
	return u.Name, nil
}
