// ABOUTME: Slash commands understood by the dispatcher
// ABOUTME: /start and /help print usage, /rechat resets, /addwhite extends the access list

package dispatch

import (
	"context"
	"strings"
)

const helpText = `**Chat relay**

Talk to me and I will pass your messages to the completion service, keeping the conversation going between messages.

**Usage**
1. In a private chat, just write to me.
2. In a group, start your message with ` + "`ai `" + ` followed by your text.
3. Send /rechat to start a new conversation.

Conversations are forgotten after an hour without messages.`

const (
	notAllowedText       = "This chat is not on the access list, so the relay cannot be used here."
	rechatDoneText       = "Conversation reset."
	rechatNoneText       = "You have no conversation to reset."
	addwhiteUsageText    = "Reply to a message from the chat you want to add, or send /addwhite <chat id>."
	addwhiteDoneText     = "Chat added to the access list."
	addwhiteExistsText   = "That chat is already on the access list."
	adminOnlyText        = "Only the administrator can use this command."
	commandPrefix        = "/"
	commandMentionMarker = "@"
)

// parseCommand splits "/name@bot arg..." into its lowercased name and the
// remaining argument text.
func parseCommand(text string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(text, commandPrefix) {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	head = strings.TrimPrefix(head, commandPrefix)
	head, _, _ = strings.Cut(head, commandMentionMarker)
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// handleCommand runs a known command. handled is false for anything the
// dispatcher does not recognize, which is then relayed as ordinary text.
func (d *Dispatcher) handleCommand(ctx context.Context, msg Message, cmd, arg string) (resp *Response, handled bool, err error) {
	switch cmd {
	case "start", "help":
		if msg.Kind != ChatPrivate {
			return nil, true, nil
		}
		return &Response{Text: helpText, Markdown: true}, true, nil

	case "rechat":
		existed, err := d.relay.Reset(ctx, msg.UserID)
		if err != nil {
			d.logger.Error("reset failed", "user_id", msg.UserID, "error", err)
			return &Response{Text: UserMessage(err)}, true, err
		}
		if !existed {
			return &Response{Text: rechatNoneText}, true, nil
		}
		return &Response{Text: rechatDoneText}, true, nil

	case "addwhite":
		return d.addWhite(msg, arg), true, nil
	}
	return nil, false, nil
}

func (d *Dispatcher) addWhite(msg Message, arg string) *Response {
	if d.adminID == "" || msg.UserID != d.adminID {
		d.logger.Warn("non-admin tried to change the access list", "user_id", msg.UserID)
		return &Response{Text: adminOnlyText}
	}

	target := msg.ReplyToUserID
	if target == "" {
		target, _, _ = strings.Cut(arg, " ")
	}
	if target == "" {
		return &Response{Text: addwhiteUsageText}
	}

	if !d.AllowChat(target) {
		return &Response{Text: addwhiteExistsText}
	}
	d.logger.Info("chat added to access list", "chat_id", target, "by", msg.UserID)
	return &Response{Text: addwhiteDoneText}
}
