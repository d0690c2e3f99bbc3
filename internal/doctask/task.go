package doctask

import (
	"encoding/json"
	"fmt"
)

// QueueTask is the queue envelope around a Command. Exactly one of the input
// sources applies: a URL on the command, a prior snapshot (optionally replayed
// fromChanges), origin settings, or a forgotten file named on the command.
type QueueTask struct {
	Cmd          Command `json:"cmd"`
	ToFile       string  `json:"toFile,omitempty"`
	FromOrigin   bool    `json:"fromOrigin,omitempty"`
	FromSettings bool    `json:"fromSettings,omitempty"`
	FromChanges  bool    `json:"fromChanges,omitempty"`
	Builder      bool    `json:"builder,omitempty"`
	// VisibilityTimeout, in seconds, bounds how long the worker may hold the
	// message. The external process deadline derives from it.
	VisibilityTimeout int `json:"visibilityTimeout,omitempty"`
}

// Key returns the storage prefix the task operates under.
func (t *QueueTask) Key() string {
	return t.Cmd.Key()
}

// Marshal encodes the task for queue transport.
func (t *QueueTask) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal queue task: %w", err)
	}
	return data, nil
}

// UnmarshalTask decodes a queue payload back into a task.
func UnmarshalTask(data []byte) (*QueueTask, error) {
	var task QueueTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal queue task: %w", err)
	}
	return &task, nil
}
