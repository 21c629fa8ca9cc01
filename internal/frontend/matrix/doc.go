// Package matrix is the Matrix frontend of the relay.
//
// The bridge logs in with an access token, syncs with the homeserver, and
// passes every text message from other users to the dispatcher. Rooms with
// at most two joined members count as private chats; larger rooms are group
// chats and only react to the configured prefix.
//
// Replies are sent as HTML rendered from markdown with goldmark. If the
// homeserver rejects the formatted event, the bridge retries as plain text.
// If that also fails, the dispatcher rolls the exchange back so the next
// message continues from a reply the user actually saw.
package matrix
