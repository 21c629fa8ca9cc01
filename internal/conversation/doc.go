// Package conversation tracks the dialogue position of a single user.
//
// # Continuity Tokens
//
// The backend identifies where the next turn attaches with a pair of
// tokens: a conversation ID and a parent (turn) ID. Both are empty until
// the first exchange completes.
//
// # Rollback
//
// Every recorded exchange pushes the tokens that were current before it
// onto a bounded history (default 20 entries, oldest evicted first).
// Rollback(n) restores the tokens from n exchanges ago. It is used when a
// reply could not be delivered, so the next message does not attach to a
// turn the user never saw.
//
// Only the current tokens are persisted; a State hydrated from storage
// starts with an empty history.
//
// # Concurrency
//
// State is not safe for concurrent mutation. The relay service serializes
// all work for one user, which is the only owner of that user's State.
package conversation
