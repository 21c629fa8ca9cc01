// Package api is the HTTP frontend of the relay, for scripts and other
// services that want to talk to the completion backend through the same
// session engine as the chat frontends.
//
//	POST /api/send   {"sender", "content", "chat_id"?, "group"?, "event_id"?} -> {"request_id", "reply"}
//	POST /api/reset  {"sender"} -> {"request_id", "reply"}
//	GET  /health     -> 200 OK
//
// Messages go through the dispatcher, so commands, the access list, and the
// group prefix behave as they do in chat. A group message without the prefix
// gets 204 No Content. Failures return {"error": "..."} with a status that
// reflects the failing stage: 429 when rate limited, 502 for other backend
// failures, 504 when provisioning timed out, 503 when storage is down.
package api
