// Package taskresult persists the per-document status row that drives the
// conversion state machine.
//
// One row exists per document key. Every lifecycle decision is made through
// conditional updates on that row: UpdateIf applies a change only when the
// row's current status fields match a caller-supplied mask, which is how
// "exactly one enqueuer wins" is enforced without a separate lock manager. A
// miss is a normal outcome, not an error.
//
// Two backends implement the Store interface: SQLite for single-node
// deployments and PostgreSQL for clusters.
package taskresult
