// Package bot runs the Slack-facing command surface over Socket Mode and
// routes "!" commands into the assignment engine.
package bot

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"assignline/internal/config"
	"assignline/internal/engine"
	"assignline/internal/platform"
)

type Bot struct {
	Engine   engine.Engine
	Config   *config.Config
	Platform platform.Platform

	client    *slack.Client
	socket    *socketmode.Client
	botUserID string
	log       *log.Logger
}

func New(cfg *config.Config, eng engine.Engine, p platform.Platform) (*Bot, error) {
	if cfg.Slack.BotToken == "" {
		return nil, errors.New("slack bot token is required")
	}
	if cfg.Slack.AppToken == "" {
		return nil, errors.New("slack app token is required for Socket Mode")
	}
	if !strings.HasPrefix(cfg.Slack.AppToken, "xapp-") {
		return nil, errors.New("slack app token must start with xapp-")
	}
	client := slack.New(cfg.Slack.BotToken, slack.OptionAppLevelToken(cfg.Slack.AppToken))
	return &Bot{
		Engine:   eng,
		Config:   cfg,
		Platform: p,
		client:   client,
		socket:   socketmode.New(client),
		log:      log.New(os.Stderr, "bot ", log.LstdFlags),
	}, nil
}

// Run connects to Socket Mode and processes events until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	authResp, err := b.client.AuthTestContext(ctx)
	if err != nil {
		b.log.Printf("auth test failed: %v", err)
	} else {
		b.botUserID = authResp.UserID
	}

	go func() {
		for evt := range b.socket.Events {
			b.handleEvent(ctx, evt)
		}
	}()

	return b.socket.RunContext(ctx)
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.log.Println("connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		b.log.Println("connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		b.log.Printf("connection error: %v", evt.Data)

	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.socket.Ack(*evt.Request)
		b.handleEventsAPI(ctx, eventsAPIEvent)
	}
}

func (b *Bot) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.SubType != "" || ev.BotID != "" || ev.User == b.botUserID {
		return
	}
	cmd, ok := ParseCommand(ev.User, ev.Channel, ev.Text)
	if !ok {
		return
	}
	reply := b.Dispatch(ctx, cmd)
	if reply == "" {
		return
	}
	if err := b.Platform.SendChannelMessage(ctx, ev.Channel, reply); err != nil {
		b.log.Printf("reply in %s: %v", ev.Channel, err)
	}
}
