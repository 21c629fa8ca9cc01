// Package dispatch is the layer between chat frontends and the relay.
//
// Frontends turn platform events into a Message and call
// Dispatcher.HandleUserText. The dispatcher drops redelivered events,
// answers the slash commands (/start, /help, /rechat, /addwhite), ignores
// group messages that lack the configured prefix, enforces the access list,
// and finally relays the text.
//
// A reply that advanced the conversation must be sent through Deliver. If
// the frontend cannot send it, Deliver rolls the conversation back one step,
// or resets it when no history is left, so the backend never continues from
// a message the user did not see.
//
// UserMessage turns any core error into text suitable for the chat.
package dispatch
