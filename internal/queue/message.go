package queue

import "time"

// Queue names used by the conversion pipeline.
const (
	// ConvertTask carries conversion requests to the worker pool.
	ConvertTask = "papermill.converttask"
	// ConvertResponse carries worker results back to the orchestrator.
	ConvertResponse = "papermill.convertresponse"
)

// Priority orders delivery within a queue. Higher values dequeue first.
type Priority int

const (
	PriorityVeryLow Priority = 0
	PriorityLow     Priority = 1
	PriorityNormal  Priority = 3
	PriorityHigh    Priority = 5
)

// Message is one queued payload together with its delivery bookkeeping.
type Message struct {
	ID                int64
	Queue             string
	Payload           []byte
	Priority          Priority
	Attempts          int
	CreatedAt         time.Time
	AvailableAt       time.Time
	VisibleUntil      time.Time
	VisibilityTimeout time.Duration
}

// PublishOptions tunes delivery of a single message. Zero values fall back
// to the store defaults.
type PublishOptions struct {
	// Delay postpones first delivery.
	Delay time.Duration
	// VisibilityTimeout overrides how long a claim hides the message.
	VisibilityTimeout time.Duration
}
