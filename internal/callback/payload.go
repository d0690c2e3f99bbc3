// Package callback notifies origin servers that a save or force save
// finished, with signed payloads, bounded retries, and a forgotten-file
// fallback when the origin cannot confirm it persisted the result.
package callback

import "encoding/json"

// Origin-facing status codes carried in the callback body.
const (
	StatusEditing            = 1
	StatusMustSave           = 2
	StatusCorrupted          = 3
	StatusClosed             = 4
	StatusMustForceSave      = 6
	StatusCorruptedForceSave = 7
)

// Action kinds inside a callback payload.
const (
	ActionDisconnect = 0
	ActionConnect    = 1
	ActionForceSave  = 2
)

// Action reports a collaborator joining or leaving.
type Action struct {
	Type   int    `json:"type"`
	UserID string `json:"userid"`
}

// SavePayload is the body POSTed to the origin's callback URL.
type SavePayload struct {
	Key    string `json:"key"`
	Status int    `json:"status"`
	// URL is a temporary signed link to the converted result.
	URL string `json:"url,omitempty"`
	// ChangesURL is a temporary signed link to the raw change pack; History
	// describes who edited when. Both are omitted when the save sourced
	// from a forgotten file or an encrypted session, and both are the first
	// to go when the signed header would grow past the size guard.
	ChangesURL string          `json:"changesurl,omitempty"`
	History    json.RawMessage `json:"history,omitempty"`

	Users         []string `json:"users,omitempty"`
	Actions       []Action `json:"actions,omitempty"`
	UserData      string   `json:"userdata,omitempty"`
	LastSave      string   `json:"lastsave,omitempty"`
	NotModified   bool     `json:"notmodified,omitempty"`
	ForceSaveType int      `json:"forcesavetype,omitempty"`

	// Token duplicates the Authorization header signature in the body for
	// origins that only read one of the two.
	Token string `json:"token,omitempty"`
}

// originResponse is what a well-behaved origin answers with.
type originResponse struct {
	Error int `json:"error"`
}
