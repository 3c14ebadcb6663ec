package platform

import "context"

// ChannelACL restricts a private channel to the assignment owner and the
// configured administrators.
type ChannelACL struct {
	OwnerID  string
	AdminIDs []string
}

// Members returns the deduplicated invite list.
func (a ChannelACL) Members() []string {
	seen := make(map[string]struct{}, len(a.AdminIDs)+1)
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(a.OwnerID)
	for _, id := range a.AdminIDs {
		add(id)
	}
	return out
}

// Platform is the chat-side surface the engine depends on.
type Platform interface {
	CreatePrivateChannel(ctx context.Context, name string, acl ChannelACL) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	SendChannelMessage(ctx context.Context, channelID, text string) error
	SendDirectMessage(ctx context.Context, userID, text string) error
	LookupUserName(ctx context.Context, userID string) (string, error)
}
