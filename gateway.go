package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Gateway error taxonomy. Anything that is neither forbidden nor not-found
// is treated as transient by callers.
var (
	ErrForbidden      = errors.New("gateway: operation forbidden")
	ErrThreadNotFound = errors.New("gateway: thread not found")
)

// closeActionID identifies the close button in block-action callbacks.
const closeActionID = "close_recruitment"

// Thread identifies one recruitment thread. Slack threads have no mutable
// title of their own, so the bot's first reply in the thread (the "title
// card") carries the thread name; renames update that message. The title
// card text is the ground truth for whether a thread is already closed.
type Thread struct {
	ID        string // registry key, "<channelID>:<parentTS>"
	ChannelID string
	ParentTS  string // timestamp of the user message that spawned the thread
	TitleTS   string // timestamp of the title card message
	Name      string // current title card text
	Archived  bool
}

// InboundMessage is a platform message event reduced to what the bot needs.
type InboundMessage struct {
	ChannelID string
	UserID    string
	BotID     string
	Text      string
	Timestamp string
	ThreadTS  string // set when the message is a thread reply
}

func threadKey(channelID, parentTS string) string {
	return channelID + ":" + parentTS
}

// Gateway is the messaging platform as seen by the lifecycle controller.
type Gateway interface {
	// CreateThread spawns a thread on the source message and posts the
	// title card carrying name. autoArchiveMinutes is a platform hint.
	CreateThread(ctx context.Context, msg InboundMessage, name string, autoArchiveMinutes int) (*Thread, error)
	// RenameThread rewrites the thread's title card.
	RenameThread(ctx context.Context, t *Thread, newName string) error
	// SendMessage posts into the thread, optionally attaching the close
	// button wired to the UI close trigger.
	SendMessage(ctx context.Context, t *Thread, text string, withCloseButton bool) error
	// LeaveThread disengages from the thread. Best-effort; callers ignore
	// failures.
	LeaveThread(ctx context.Context, t *Thread) error
	// FetchThread returns the thread's current remote state, or
	// ErrThreadNotFound if it no longer exists.
	FetchThread(ctx context.Context, t *Thread) (*Thread, error)
	// AddClosedReaction marks the parent message as closed. Best-effort.
	AddClosedReaction(ctx context.Context, t *Thread) error
	// UserDisplayName resolves a user ID to a display name, falling back
	// to the ID itself.
	UserDisplayName(ctx context.Context, userID string) string
}

// slackLogAdapter adapts zerolog to slack-go's log interface.
type slackLogAdapter struct {
	logger zerolog.Logger
}

func (a *slackLogAdapter) Output(calldepth int, s string) error {
	a.logger.Debug().Msg(s)
	return nil
}

// slackGateway implements Gateway on the Slack Web API.
type slackGateway struct {
	client *slack.Client

	userMu   sync.Mutex
	userInfo map[string]*slack.User
}

func newSlackGateway(client *slack.Client) *slackGateway {
	return &slackGateway{
		client:   client,
		userInfo: make(map[string]*slack.User),
	}
}

func (g *slackGateway) CreateThread(ctx context.Context, msg InboundMessage, name string, autoArchiveMinutes int) (*Thread, error) {
	_, ts, err := g.client.PostMessageContext(ctx, msg.ChannelID,
		slack.MsgOptionText(name, false),
		slack.MsgOptionTS(msg.Timestamp),
	)
	if err != nil {
		return nil, classifySlackError("create thread", err)
	}

	log.Info().
		Str("channelID", msg.ChannelID).
		Str("parentTS", msg.Timestamp).
		Str("name", name).
		Int("autoArchiveMinutes", autoArchiveMinutes).
		Msg("Created thread")

	return &Thread{
		ID:        threadKey(msg.ChannelID, msg.Timestamp),
		ChannelID: msg.ChannelID,
		ParentTS:  msg.Timestamp,
		TitleTS:   ts,
		Name:      name,
	}, nil
}

func (g *slackGateway) RenameThread(ctx context.Context, t *Thread, newName string) error {
	_, _, _, err := g.client.UpdateMessageContext(ctx, t.ChannelID, t.TitleTS,
		slack.MsgOptionText(newName, false),
	)
	if err != nil {
		return classifySlackError("rename thread", err)
	}

	log.Info().
		Str("threadID", t.ID).
		Str("oldName", t.Name).
		Str("newName", newName).
		Msg("Renamed thread")
	t.Name = newName
	return nil
}

func (g *slackGateway) SendMessage(ctx context.Context, t *Thread, text string, withCloseButton bool) error {
	options := []slack.MsgOption{slack.MsgOptionTS(t.ParentTS)}
	if withCloseButton {
		section := slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
		button := slack.NewButtonBlockElement(closeActionID, t.ID,
			slack.NewTextBlockObject(slack.PlainTextType, "Close recruitment", false, false))
		button.Style = slack.StyleDanger
		actions := slack.NewActionBlock("recruitment_actions", button)
		options = append(options, slack.MsgOptionBlocks(section, actions))
	} else {
		options = append(options, slack.MsgOptionText(text, false))
	}

	_, _, err := g.client.PostMessageContext(ctx, t.ChannelID, options...)
	if err != nil {
		return classifySlackError("send message", err)
	}
	return nil
}

// LeaveThread is a logged no-op: Slack offers no per-thread leave
// operation for bots, and the caller treats failures as ignorable anyway.
func (g *slackGateway) LeaveThread(ctx context.Context, t *Thread) error {
	log.Debug().Str("threadID", t.ID).Msg("Disengaging from thread")
	return nil
}

func (g *slackGateway) FetchThread(ctx context.Context, t *Thread) (*Thread, error) {
	msgs, _, _, err := g.client.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: t.ChannelID,
		Timestamp: t.ParentTS,
		Oldest:    t.TitleTS,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return nil, classifySlackError("fetch thread", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("fetch thread %s: title card missing: %w", t.ID, ErrThreadNotFound)
	}

	updated := *t
	updated.Name = msgs[0].Text

	channel, err := g.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID: t.ChannelID,
	})
	if err == nil && channel != nil {
		updated.Archived = channel.IsArchived
	}

	return &updated, nil
}

func (g *slackGateway) AddClosedReaction(ctx context.Context, t *Thread) error {
	err := g.client.AddReactionContext(ctx, "no_entry", slack.NewRefToMessage(t.ChannelID, t.ParentTS))
	if err != nil {
		return classifySlackError("add reaction", err)
	}
	return nil
}

func (g *slackGateway) UserDisplayName(ctx context.Context, userID string) string {
	g.userMu.Lock()
	user, ok := g.userInfo[userID]
	g.userMu.Unlock()
	if ok {
		return displayName(user)
	}

	user, err := g.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		log.Debug().Err(err).Str("userID", userID).Msg("Could not resolve user name")
		return userID
	}

	g.userMu.Lock()
	g.userInfo[userID] = user
	g.userMu.Unlock()
	return displayName(user)
}

func displayName(user *slack.User) string {
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return user.ID
}

// classifySlackError folds Slack's string-typed API errors into the
// gateway taxonomy so callers can branch on errors.Is.
func classifySlackError(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not_found") || strings.Contains(msg, "message_not_found") ||
		strings.Contains(msg, "channel_not_found") || strings.Contains(msg, "thread_not_found"):
		return fmt.Errorf("%s: %v: %w", op, err, ErrThreadNotFound)
	case strings.Contains(msg, "not_allowed") || strings.Contains(msg, "missing_scope") ||
		strings.Contains(msg, "restricted_action") || strings.Contains(msg, "not_authed") ||
		strings.Contains(msg, "cant_update_message"):
		return fmt.Errorf("%s: %v: %w", op, err, ErrForbidden)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
