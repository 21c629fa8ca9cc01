// Package backend is the transport to the conversational-completion backend.
//
// # Provisioning
//
// Exchanges are routed through a handle the backend assigns in exchange for
// a long-lived credential:
//
//	GET {base}/connect?sessionToken=<credential>  -> {"id": "<handle>"} | 429
//	GET {base}/status?id=<handle>                 -> {"status": "ready"|"pending"|"failed", "reason": "..."}
//
// Handles are provisioned asynchronously on the backend side, so a new
// handle must be polled until ready before first use. WaitUntilReady sleeps
// a fixed backoff between pending polls and replaces failed handles a
// bounded number of times.
//
// # Exchange
//
//	POST {base}/chat/<handle>  {"message", "conversationId", "parentId"}
//	  -> {"reply": ["..."], "conversationId", "parentId"}
//	  -> {"status": "failed", "reason": "..."}
//
// Responses are parsed strictly. A partial or unparseable body is reported
// as ErrMalformedResponse and never returned as a reply.
//
// # Errors
//
// Every failure is an *Error whose Kind is one of the package sentinels, so
// callers can branch with errors.Is:
//
//	if errors.Is(err, backend.ErrRateLimited) { ... }
//
// Reason(err) returns the backend-supplied explanation for user messaging.
package backend
