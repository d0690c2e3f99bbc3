// Package queue implements the SQLite-backed conversion task queue.
//
// Messages are opaque payloads published to named queues with a priority,
// an optional delivery delay, and a per-message visibility timeout. Dequeue
// claims the highest-priority visible message and hides it until the
// visibility timeout passes; Ack deletes it. A message whose claim expires
// becomes visible again, so delivery is at-least-once. Messages that sit in
// a queue past the retention period are harvested as dead letters instead of
// being delivered.
package queue
