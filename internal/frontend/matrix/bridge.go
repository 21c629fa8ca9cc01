// ABOUTME: Matrix frontend that feeds room messages to the dispatcher
// ABOUTME: Renders replies as HTML, falls back to plain text, and rolls back when nothing could be sent

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/dispatch"
)

// client is the subset of *mautrix.Client the bridge uses.
type client interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinedMembers, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
}

// Handler is what the bridge needs from the dispatch layer.
// *dispatch.Dispatcher satisfies it.
type Handler interface {
	HandleUserText(ctx context.Context, msg dispatch.Message) (*dispatch.Response, error)
	Deliver(ctx context.Context, userID string, send func(ctx context.Context) error) error
}

// Config holds the Matrix account the bridge logs in as.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

const (
	// typingTimeout is how long the typing indicator shows while a reply is generated.
	typingTimeout = 30 * time.Second

	// networkTimeout bounds Matrix API calls other than message sends.
	networkTimeout = 10 * time.Second

	// sendTimeout bounds message sends, which can be large.
	sendTimeout = 30 * time.Second
)

// Bridge connects Matrix rooms to the relay.
type Bridge struct {
	userID  id.UserID
	matrix  *mautrix.Client
	api     client
	handler Handler
	logger  *slog.Logger

	// roomKinds caches whether a room is a one-to-one chat.
	roomKinds sync.Map // id.RoomID -> dispatch.ChatKind

	// wg tracks in-flight message goroutines for shutdown.
	wg sync.WaitGroup
}

// NewBridge creates a Matrix bridge. It does not contact the homeserver
// until Run is called.
func NewBridge(cfg Config, handler Handler, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		userID:  id.UserID(cfg.UserID),
		matrix:  c,
		api:     c,
		handler: handler,
		logger:  logger.With("component", "matrix"),
	}, nil
}

// Run syncs with the homeserver and blocks until ctx is cancelled or the
// sync loop fails. In-flight messages finish before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge", "user_id", b.userID.String())

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		b.handleMessageEvent(ctx, evt)
	})

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(ctx)
	}()

	b.logger.Info("matrix bridge running")

	var err error
	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
	case err = <-syncErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("matrix sync failed: %w", err)
		} else {
			err = nil
		}
	}
	b.wg.Wait()
	return err
}

// handleMessageEvent filters sync events and hands text messages off to a
// goroutine so the sync loop is never blocked by a slow exchange.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.userID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessage(ctx, evt.RoomID, evt.Sender, evt.ID, content.Body)
	}()
}

// processMessage dispatches one message and sends the response back to the room.
func (b *Bridge) processMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, eventID id.EventID, body string) {
	msg := dispatch.Message{
		UserID:  sender.String(),
		ChatID:  roomID.String(),
		Kind:    b.roomKind(ctx, roomID),
		Text:    body,
		EventID: eventID.String(),
	}

	if msg.Kind == dispatch.ChatPrivate {
		b.setTyping(roomID, true)
	}
	resp, err := b.handler.HandleUserText(ctx, msg)
	if msg.Kind == dispatch.ChatPrivate {
		b.setTyping(roomID, false)
	}
	if err != nil {
		b.logger.Error("message failed", "room", roomID.String(), "sender", sender.String(), "error", err)
	}
	if resp == nil {
		return
	}

	send := func(ctx context.Context) error {
		return b.sendReply(ctx, roomID, resp.Text, resp.Markdown)
	}
	if !resp.Exchange {
		if err := send(ctx); err != nil {
			b.logger.Error("failed to send notice", "room", roomID.String(), "error", err)
		}
		return
	}
	if err := b.handler.Deliver(ctx, msg.UserID, send); err != nil {
		b.logger.Error("reply not delivered", "room", roomID.String(), "error", err)
	}
}

// sendReply sends text as rendered HTML when markdown is set, falling back
// to plain text if that fails. It returns an error only when neither could be sent.
func (b *Bridge) sendReply(ctx context.Context, roomID id.RoomID, text string, markdown bool) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if markdown {
		html, err := renderMarkdown(text)
		if err == nil {
			_, err = b.api.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
				MsgType:       event.MsgText,
				Body:          text,
				Format:        event.FormatHTML,
				FormattedBody: html,
			})
		}
		if err == nil {
			return nil
		}
		b.logger.Warn("formatted send failed, falling back to plain text", "room", roomID.String(), "error", err)
	}

	if _, err := b.api.SendText(ctx, roomID, text); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// roomKind treats rooms with at most two joined members as private chats.
// Lookups that fail are not cached and count as group rooms.
func (b *Bridge) roomKind(ctx context.Context, roomID id.RoomID) dispatch.ChatKind {
	if kind, ok := b.roomKinds.Load(roomID); ok {
		return kind.(dispatch.ChatKind)
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	members, err := b.api.JoinedMembers(ctx, roomID)
	if err != nil {
		b.logger.Debug("failed to read room members", "room", roomID.String(), "error", err)
		return dispatch.ChatGroup
	}

	kind := dispatch.ChatGroup
	if len(members.Joined) <= 2 {
		kind = dispatch.ChatPrivate
	}
	b.roomKinds.Store(roomID, kind)
	return kind
}

func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.api.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// renderMarkdown converts a reply to HTML for the formatted_body field.
func renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}
