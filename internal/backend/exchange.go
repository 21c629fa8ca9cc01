// ABOUTME: Chat exchange round trip against a provisioned backend handle
// ABOUTME: Strictly parses replies and advances the caller's conversation state on success

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
)

// chatRequest is the body of POST chat/<handle>. Absent tokens are sent as null.
type chatRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversationId"`
	ParentID       *string `json:"parentId"`
}

// chatResponse covers both the failure and the success shape.
type chatResponse struct {
	Status         string   `json:"status,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Reply          []string `json:"reply"`
	ConversationID string   `json:"conversationId"`
	ParentID       string   `json:"parentId"`
}

// Reply is the result of a successful exchange.
type Reply struct {
	Text    string
	Tokens  conversation.Tokens // now current on the state
	Elapsed time.Duration
}

// Exchange sends prompt over the given handle, continuing from the state's
// current tokens. On success the state records the backend's new tokens.
// Failures never modify the state.
func (c *Client) Exchange(ctx context.Context, handleID, prompt string, state *conversation.State) (*Reply, error) {
	start := time.Now()
	current := state.Current()

	body, err := json.Marshal(chatRequest{
		Message:        prompt,
		ConversationID: optional(current.ConversationID),
		ParentID:       optional(current.ParentID),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"chat/"+url.PathEscape(handleID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError("chat", ErrNetwork, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError("chat", ErrNetwork, "reading response", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, newError("chat", ErrBackendRejected, fmt.Sprintf("status %d", resp.StatusCode), nil)
		}
		return nil, newError("chat", ErrMalformedResponse, "response is not JSON", err)
	}

	if parsed.Status == string(StatusFailed) {
		return nil, newError("chat", ErrBackendRejected, parsed.Reason, nil)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, newError("chat", ErrBackendRejected, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	if len(parsed.Reply) == 0 {
		return nil, newError("chat", ErrMalformedResponse, "response carried no reply", nil)
	}
	if parsed.ConversationID == "" || parsed.ParentID == "" {
		return nil, newError("chat", ErrMalformedResponse, "response carried no continuity tokens", nil)
	}

	next := conversation.Tokens{ConversationID: parsed.ConversationID, ParentID: parsed.ParentID}
	state.RecordExchange(next)

	elapsed := time.Since(start)
	c.logger.Debug("exchange complete",
		"handle_id", handleID,
		"conversation_id", next.ConversationID,
		"elapsed", elapsed,
	)

	return &Reply{Text: parsed.Reply[0], Tokens: next, Elapsed: elapsed}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
