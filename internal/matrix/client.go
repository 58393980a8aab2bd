// ABOUTME: Thin mautrix wrapper used by the manager and every agent account.
// ABOUTME: Handles login, sync, DM room creation, invites, and sending.

// Package matrix wraps the mautrix client with the small surface warren
// needs: one client per account, each with its own sync loop, delivering
// text messages to a handler and sending plain or markdown-formatted events.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for fire-and-forget Matrix API calls.
const networkTimeout = 10 * time.Second

// sendTimeout is the timeout for sending messages (they can be large).
const sendTimeout = 30 * time.Second

// MessageHandler receives one inbound text message.
type MessageHandler func(ctx context.Context, eventID id.EventID, roomID id.RoomID, sender id.UserID, body string)

// Client is one Matrix account's connection.
type Client struct {
	mx     *mautrix.Client
	logger *slog.Logger
}

// NewClient connects an existing account with a known access token.
func NewClient(homeserver, userID, accessToken string, logger *slog.Logger) (*Client, error) {
	mx, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		mx:     mx,
		logger: logger.With("component", "matrix", "user_id", userID),
	}, nil
}

// Login authenticates with a password and returns a connected client. Used
// for agent accounts right after provisioning, or when a stored access token
// has gone stale.
func Login(ctx context.Context, homeserver, username, password string, logger *slog.Logger) (*Client, error) {
	mx, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	resp, err := mx.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("logging in %s: %w", username, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		mx:     mx,
		logger: logger.With("component", "matrix", "user_id", resp.UserID.String()),
	}, nil
}

// UserID returns the account's full Matrix id.
func (c *Client) UserID() id.UserID {
	return c.mx.UserID
}

// AccessToken returns the current access token, for persisting after Login.
func (c *Client) AccessToken() string {
	return c.mx.AccessToken
}

// OnMessage registers the handler for inbound text messages. Our own
// messages and non-text events are filtered out. Must be called before Run.
func (c *Client) OnMessage(handler MessageHandler) {
	syncer := c.mx.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if evt.Sender == c.mx.UserID {
			return
		}
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content.MsgType != event.MsgText {
			return
		}
		handler(ctx, evt.ID, evt.RoomID, evt.Sender, content.Body)
	})
}

// AutoJoinInvites makes the account accept room invites as they arrive.
// Must be called before Run.
func (c *Client) AutoJoinInvites() {
	syncer := c.mx.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if evt.GetStateKey() != c.mx.UserID.String() {
			return
		}
		content, ok := evt.Content.Parsed.(*event.MemberEventContent)
		if !ok || content.Membership != event.MembershipInvite {
			return
		}
		c.logger.Info("accepting room invite", "room", evt.RoomID.String())
		if _, err := c.mx.JoinRoomByID(ctx, evt.RoomID); err != nil {
			c.logger.Error("failed to join room", "room", evt.RoomID.String(), "error", err)
		}
	})
}

// Run starts the sync loop and blocks until the context is cancelled or the
// sync fails.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("starting matrix sync")
	if err := c.mx.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

// CreateDM creates a private room with the given user invited.
func (c *Client) CreateDM(ctx context.Context, invitee id.UserID, name string) (id.RoomID, error) {
	resp, err := c.mx.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{invitee},
		IsDirect: true,
		Name:     name,
	})
	if err != nil {
		return "", fmt.Errorf("creating room: %w", err)
	}
	return resp.RoomID, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := c.mx.SendText(ctx, roomID, text); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendMarkdown renders text as markdown and sends it with an HTML formatted
// body, falling back to the raw text as the plain body.
func (c *Client) SendMarkdown(ctx context.Context, roomID id.RoomID, text string) error {
	html, err := RenderMarkdown(text)
	if err != nil {
		c.logger.Debug("markdown render failed, sending plain", "error", err)
		return c.SendText(ctx, roomID, text)
	}

	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := c.mx.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SetTyping sends a typing indicator to the room. Failures are logged, not
// returned; typing is best-effort.
func (c *Client) SetTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := c.mx.UserTyping(ctx, roomID, typing, timeout); err != nil {
		c.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}
