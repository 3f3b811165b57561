package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// RecruitBot ties the platform gateway, the thread registry, and the
// event logger together and drives them from the Socket Mode event
// stream.
type RecruitBot struct {
	cfg      *Config
	client   *slack.Client
	socket   *socketmode.Client
	gateway  Gateway
	registry *ThreadRegistry
	events   *EventLogger

	botUserID    string
	startedAt    time.Time
	pollInterval time.Duration
}

// NewRecruitBot builds the bot and authenticates against the platform.
func NewRecruitBot(cfg *Config) (*RecruitBot, error) {
	apiLogger := &slackLogAdapter{logger: log.With().Str("component", "slack-api").Logger()}
	client := slack.New(cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
		slack.OptionLog(apiLogger),
	)

	auth, err := client.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack auth test: %w", err)
	}
	log.Info().
		Str("botUserID", auth.UserID).
		Str("team", auth.Team).
		Msg("Authenticated with Slack")

	socket := socketmode.New(client,
		socketmode.OptionLog(&slackLogAdapter{logger: log.With().Str("component", "socketmode").Logger()}),
	)

	newStore := func() RowAppender {
		// Avoid wrapping a typed nil in the interface.
		if c := NewSheetsClient(cfg); c != nil {
			return c
		}
		return nil
	}

	return &RecruitBot{
		cfg:          cfg,
		client:       client,
		socket:       socket,
		gateway:      newSlackGateway(client),
		registry:     NewThreadRegistry(),
		events:       NewEventLogger(cfg, newStore),
		botUserID:    auth.UserID,
		startedAt:    time.Now(),
		pollInterval: 10 * time.Minute,
	}, nil
}

// Run drives the Socket Mode connection until ctx is cancelled.
func (b *RecruitBot) Run(ctx context.Context) error {
	go b.handleEvents(ctx)
	return b.socket.RunContext(ctx)
}

// Stop flushes the event log worker.
func (b *RecruitBot) Stop() {
	b.events.Stop()
}

func (b *RecruitBot) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socket.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *RecruitBot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		log.Info().Msg("Connecting to Slack via Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Error().Msg("Socket Mode connection error, will retry")
	case socketmode.EventTypeConnected:
		log.Info().Msg("Connected to Slack via Socket Mode")

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			log.Warn().Msg("Ignoring malformed Events API payload")
			return
		}
		b.socket.Ack(*evt.Request)
		b.handleEventsAPI(ctx, apiEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			log.Warn().Msg("Ignoring malformed interaction payload")
			return
		}
		b.socket.Ack(*evt.Request)
		b.handleInteraction(ctx, callback)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			log.Warn().Msg("Ignoring malformed slash command payload")
			return
		}
		if resp := b.handleSlashCommand(cmd); resp != nil {
			b.socket.Ack(*evt.Request, resp)
		} else {
			b.socket.Ack(*evt.Request)
		}
	}
}

func (b *RecruitBot) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		b.handleMessageEvent(ctx, ev)
	}
}

// handleMessageEvent routes a message either to the creation trigger (a
// channel message matching the trigger predicate) or to the keyword
// close trigger (a reply inside a monitored thread).
func (b *RecruitBot) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	// Edits, deletions, joins and similar subtypes are never triggers.
	if ev.SubType != "" {
		return
	}

	msg := InboundMessage{
		ChannelID: ev.Channel,
		UserID:    ev.User,
		BotID:     ev.BotID,
		Text:      ev.Text,
		Timestamp: ev.TimeStamp,
		ThreadTS:  ev.ThreadTimeStamp,
	}

	if b.shouldIgnore(msg) {
		return
	}

	if msg.ThreadTS != "" && msg.ThreadTS != msg.Timestamp {
		b.handleThreadReply(ctx, msg)
		return
	}

	if len(b.cfg.EnabledChannelIDs) > 0 && !b.cfg.EnabledChannelIDs[msg.ChannelID] {
		return
	}
	if !ShouldOpenThread(msg.Text, b.cfg.TriggerKeywords) {
		return
	}

	log.Info().
		Str("channelID", msg.ChannelID).
		Str("userID", msg.UserID).
		Msg("Trigger message detected")
	if _, err := b.OpenThread(ctx, msg); err != nil {
		log.Error().Err(err).Str("channelID", msg.ChannelID).Msg("Could not open recruitment thread")
	}
}

// shouldIgnore filters out the bot's own messages and configured bots.
func (b *RecruitBot) shouldIgnore(msg InboundMessage) bool {
	if msg.UserID != "" && msg.UserID == b.botUserID {
		return true
	}
	if msg.BotID != "" {
		if b.cfg.IgnoredBotIDs[msg.BotID] {
			return true
		}
		// Messages from any bot never open threads; only configured
		// bots are silenced entirely, others may still close via UI.
		return true
	}
	return false
}

// handleInteraction serves the close button.
func (b *RecruitBot) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		if action.ActionID != closeActionID {
			continue
		}

		threadID := action.Value
		userID := callback.User.ID
		log.Info().
			Str("threadID", threadID).
			Str("userID", userID).
			Msg("Close button pressed")

		response, err := b.handleCloseAction(ctx, threadID, userID)
		if err != nil {
			log.Error().Err(err).Str("threadID", threadID).Msg("Button close failed")
		}
		b.postEphemeral(callback.Channel.ID, userID, response)
	}
}

func (b *RecruitBot) postEphemeral(channelID, userID, text string) {
	if channelID == "" || text == "" {
		return
	}
	_, err := b.client.PostEphemeral(channelID, userID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Debug().Err(err).Str("channelID", channelID).Msg("Could not post ephemeral response")
	}
}

// handleSlashCommand serves the /recruits status command for admins.
func (b *RecruitBot) handleSlashCommand(cmd slack.SlashCommand) map[string]interface{} {
	if cmd.Command != "/recruits" {
		return nil
	}

	if len(b.cfg.AdminUserIDs) > 0 && !b.cfg.AdminUserIDs[cmd.UserID] {
		log.Info().Str("userID", cmd.UserID).Msg("Status command from non-admin, rejecting")
		return map[string]interface{}{
			"response_type": "ephemeral",
			"text":          "You are not allowed to use this command.",
		}
	}

	return map[string]interface{}{
		"response_type": "ephemeral",
		"text":          b.statusReport(),
	}
}

// statusReport renders the monitored-thread list and logging state as a
// plain text summary.
func (b *RecruitBot) statusReport() string {
	threads := b.MonitoredThreads()
	limit := b.events.LimitStatus()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Monitored threads: %d\n", len(threads))
	for _, t := range threads {
		fmt.Fprintf(&sb, "- %s by %s, %d min remaining\n", t.Name, t.Creator, t.RemainingMinutes)
	}
	fmt.Fprintf(&sb, "Queued log events: %d\n", b.events.queue.Len())
	fmt.Fprintf(&sb, "Log day: %s (resets at %02d:00 UTC%+d), logged today: %d",
		limit.CurrentDay, limit.ResetHour, limit.TimezoneOffset, limit.LoggedToday)
	return sb.String()
}
