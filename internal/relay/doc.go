// Package relay is the session engine between the chat frontends and the
// completion backend.
//
// # Flow
//
// For every inbound message Service.HandleUserText:
//
//  1. takes the per-user lock (different users run in parallel)
//  2. loads the stored continuity tokens; an absent or expired record means
//     a fresh conversation and a fresh handle, and an unreadable record is
//     cleared
//  3. hydrates the user's conversation.State, reusing the in-memory tracker
//     when its current tokens still match the record so rollback history
//     survives between messages
//  4. applies the refresh policy when the record is close to expiry
//  5. makes sure a ready backend handle exists
//  6. runs the exchange and saves the new tokens with a full window
//
// # Refresh Policy
//
// When less than RefreshThreshold of the Window remains, the store's atomic
// Renew decides a single winner. The winner re-provisions the handle and
// saves the unchanged tokens, so an active dialogue never expires mid-use.
//
// # Failures
//
// Backend errors (see package backend) and store load errors are returned
// unchanged. A save that fails after a successful exchange is logged as
// degraded and reported via Result.Persisted; until the save goes through,
// the in-memory tracker is trusted over the stale record. Rollback surfaces
// conversation.ErrEmptyHistory and leaves recovery to the caller.
package relay
