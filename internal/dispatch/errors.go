// ABOUTME: Maps core failures to messages a chat user can act on
// ABOUTME: Every error kind gets its own text so nothing is silently swallowed

package dispatch

import (
	"errors"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/store"
)

// UserMessage returns the text shown to the user when err ended their request.
func UserMessage(err error) string {
	var reason string
	var be *backend.Error
	if errors.As(err, &be) {
		reason = be.Reason
	}
	withReason := func(msg string) string {
		if reason == "" {
			return msg
		}
		return msg + " (" + reason + ")"
	}

	switch {
	case errors.Is(err, backend.ErrCredentialRejected):
		return withReason("The relay could not sign in to the completion service. Please tell the operator.")
	case errors.Is(err, backend.ErrRateLimited):
		return "The completion service is busy right now. Please try again in a minute."
	case errors.Is(err, backend.ErrProvisioningTimeout):
		return "The completion service took too long to get ready. Please try again."
	case errors.Is(err, backend.ErrProvisioningFailed):
		return withReason("Could not open a session with the completion service.")
	case errors.Is(err, backend.ErrNetwork):
		return "Could not reach the completion service. Please try again."
	case errors.Is(err, backend.ErrMalformedResponse):
		return "The completion service sent a reply that could not be understood. Please try again."
	case errors.Is(err, backend.ErrBackendRejected):
		return withReason("The completion service refused the message.") + " Send /rechat to start over if this keeps happening."
	case errors.Is(err, conversation.ErrEmptyHistory):
		return "There is no earlier message to go back to."
	case errors.Is(err, store.ErrCorruptRecord):
		return "Your saved conversation could not be read. Send /rechat to start over."
	case errors.Is(err, store.ErrStoreUnavailable):
		return "Conversation storage is unavailable right now. Please try again later."
	default:
		return "Something went wrong while handling your message. Please try again."
	}
}
