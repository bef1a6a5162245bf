// Package notifier delivers rendered upload notifications to a tenant's
// sink chat.
//
// Sends are synchronous: Send returns only after the transport accepted the
// message or every retry failed, so callers can tie bookkeeping to actual
// delivery. A shared token bucket keeps the process under the chat
// platform's flood limits, and a small in-memory history backs operator
// status views.
package notifier
