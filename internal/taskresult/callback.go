package taskresult

import (
	"encoding/json"
	"strings"
)

// callbackDelimiter separates entries in the callback column. The column is a
// legacy append-only format kept only at the persistence boundary; in-memory
// code works with UserCallback values.
const callbackDelimiter = "\x05"

// UserCallback is one entry of the callback log: the collaborator index that
// registered the URL and the URL itself.
type UserCallback struct {
	UserIndex int64  `json:"userIndex"`
	Callback  string `json:"callback"`
}

// EncodeCallbackEntry renders one log entry ready to append to the callback
// column.
func EncodeCallbackEntry(userIndex int64, callbackURL string) string {
	entry := UserCallback{UserIndex: userIndex, Callback: callbackURL}
	data, err := json.Marshal(entry)
	if err != nil {
		return ""
	}
	return callbackDelimiter + string(data)
}

// DecodeCallbacks parses the callback column into its entries. A column that
// predates the delimited format is treated as a single URL with index 1; a
// mixed column keeps only the delimited tail.
func DecodeCallbacks(raw string) []UserCallback {
	if raw == "" {
		return nil
	}
	if !strings.HasPrefix(raw, callbackDelimiter) {
		index := strings.Index(raw, callbackDelimiter)
		if index == -1 {
			return []UserCallback{{UserIndex: 1, Callback: raw}}
		}
		raw = raw[index:]
	}
	parts := strings.Split(raw, callbackDelimiter)
	entries := make([]UserCallback, 0, len(parts)-1)
	for _, part := range parts[1:] {
		var entry UserCallback
		if err := json.Unmarshal([]byte(part), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// CallbackByUserIndex returns the callback URL registered by the given
// collaborator index. When the index is absent the most recent URL wins, so a
// save triggered by a departed collaborator still reaches the origin server.
func CallbackByUserIndex(raw string, userIndex int64) string {
	entries := DecodeCallbacks(raw)
	url := ""
	for _, entry := range entries {
		url = entry.Callback
		if entry.UserIndex == userIndex {
			break
		}
	}
	return url
}
