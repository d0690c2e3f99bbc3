// Package taskerr defines the stable integer error taxonomy surfaced by the
// conversion API and recorded in task rows.
//
// Codes are part of the external contract: clients and stored rows both carry
// them, so values never change meaning between releases. Classification of
// converter exit statuses lives here as a pure function so engine behaviour
// stays deterministic and testable.
package taskerr
