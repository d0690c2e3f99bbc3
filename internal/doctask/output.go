package doctask

import "papermill/internal/taskerr"

// Output statuses surfaced to API clients and editor connections.
const (
	OutputOK            = "ok"
	OutputErr           = "err"
	OutputWaitOpen      = "waitopen"
	OutputNeedParams    = "needparams"
	OutputNeedPassword  = "needpassword"
	OutputUpdateVersion = "updateversion"
)

// OutputData is one response record: which command it answers, the outcome
// status, and either a signed URL or an error code.
type OutputData struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	// Data holds a signed URL for ok outcomes, or a taskerr code for err
	// outcomes. Extra carries format-specific detail such as the output
	// extension.
	Data  any    `json:"data,omitempty"`
	Extra string `json:"extra,omitempty"`
}

// NewOutputError builds an err record carrying a stable error code.
func NewOutputError(commandType string, code taskerr.Code) *OutputData {
	return &OutputData{Type: commandType, Status: OutputErr, Data: code}
}

// NewOutputURL builds an ok record carrying a signed result URL.
func NewOutputURL(commandType, url string) *OutputData {
	return &OutputData{Type: commandType, Status: OutputOK, Data: url}
}
