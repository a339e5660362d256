// Package approval implements the human approval workflow for secret reads
// that policy marks as requiring sign-off.
//
// A Request moves through an explicit state machine:
//
//	pending ──approve──▶ approved
//	   │ ───deny──────▶ denied
//	   └───deadline───▶ expired
//
// Terminal states never change. Every pending request owns a done channel
// that is closed on its terminal transition; Await blocks on it. Deadlines
// fire from a timer and are also enforced lazily whenever a request is
// read, so a request can never stay pending past its deadline.
//
// Pending requests are deduplicated per (principal, secret, group): a caller
// retrying the same read joins the existing request instead of paging the
// approvers again.
//
// Requests are persisted through a Store (MemoryStore or SQLiteStore) and
// announced through a Notifier (LogNotifier, WebhookNotifier, MultiNotifier).
package approval
