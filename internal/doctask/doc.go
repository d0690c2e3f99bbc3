// Package doctask defines the shared task model passed between the
// orchestrator, the queue, and the converter workers.
//
// Command describes one orchestration request, QueueTask is the queue
// envelope around it, and OutputData is the response record surfaced to API
// clients and pub/sub listeners. All three serialize to JSON for transport.
package doctask
