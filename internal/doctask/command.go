package doctask

import "papermill/internal/taskerr"

// Command verbs accepted by the orchestrator.
const (
	VerbOpen           = "open"
	VerbReopen         = "reopen"
	VerbSave           = "save"
	VerbSaveFromOrigin = "savefromorigin"
	VerbSfc            = "sfc"
	VerbSfcm           = "sfcm"
	VerbSfct           = "sfct"
	VerbSendMM         = "sendmm"
	VerbConv           = "conv"
	VerbBuilder        = "builder"
)

// Force-save trigger kinds.
const (
	ForceSaveCommand = 0
	ForceSaveButton  = 1
	ForceSaveTimeout = 2
)

// Thumbnail describes an optional thumbnail render request attached to a
// conversion.
type Thumbnail struct {
	Aspect int  `json:"aspect"`
	First  bool `json:"first"`
	Width  int  `json:"width,omitempty"`
	Height int  `json:"height,omitempty"`
}

// ForceSave identifies one force-save episode. Time and Index pin the change
// range covered so a later force-save with more changes is distinguishable.
type ForceSave struct {
	Type  int   `json:"type"`
	Time  int64 `json:"time,omitempty"`
	Index int64 `json:"index,omitempty"`
}

// Command describes one orchestration request. A Command is immutable once
// enqueued except for the Attempt counter, which callback retry bumps on each
// delayed requeue.
type Command struct {
	C     string `json:"c"`
	DocID string `json:"id"`
	// SaveKey namespaces the storage prefix for one save or convert episode
	// so concurrent saves of the same document never clobber each other.
	SaveKey      string `json:"savekey,omitempty"`
	Format       string `json:"format,omitempty"`
	OutputFormat string `json:"outputformat,omitempty"`
	URL          string `json:"url,omitempty"`
	Data         string `json:"data,omitempty"`
	Title        string `json:"title,omitempty"`
	BaseURL      string `json:"baseurl,omitempty"`

	Codepage  int    `json:"codepage,omitempty"`
	Delimiter int    `json:"delimiter,omitempty"`
	LCID      int    `json:"lcid,omitempty"`
	Password  string `json:"password,omitempty"`
	JSONParams string `json:"jsonparams,omitempty"`

	Thumbnail *Thumbnail `json:"thumbnail,omitempty"`
	ForceSave *ForceSave `json:"forcesave,omitempty"`

	UserActionID    string `json:"useractionid,omitempty"`
	UserActionIndex int64  `json:"useractionindex,omitempty"`
	UserData        string `json:"userdata,omitempty"`

	// StatusInfoIn carries the row's status info at enqueue time; StatusInfo
	// carries the worker's outcome on the response path.
	StatusInfoIn taskerr.Code `json:"statusinfoin,omitempty"`
	StatusInfo   taskerr.Code `json:"statusinfo,omitempty"`

	Attempt int `json:"attempt,omitempty"`

	// ForgottenPath points input assembly at a forgotten-file recovery copy
	// instead of a URL or snapshot.
	ForgottenPath     string `json:"forgotten,omitempty"`
	WithAuthorization bool   `json:"withauthorization,omitempty"`
}

// Key returns the storage prefix for this command: the save key when one was
// allocated, otherwise the document id.
func (c *Command) Key() string {
	if c.SaveKey != "" {
		return c.SaveKey
	}
	return c.DocID
}
