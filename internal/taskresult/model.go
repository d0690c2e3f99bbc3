package taskresult

import (
	"time"

	"papermill/internal/taskerr"
)

// FileStatus is the per-document lifecycle state. Values are stored in rows
// and compared by CAS masks, so they are stable.
type FileStatus int

const (
	StatusNone          FileStatus = 0
	StatusOk            FileStatus = 1
	StatusWaitQueue     FileStatus = 2
	StatusNeedParams    FileStatus = 3
	StatusErr           FileStatus = 5
	StatusErrToReload   FileStatus = 6
	StatusSaveVersion   FileStatus = 7
	StatusUpdateVersion FileStatus = 8
	StatusNeedPassword  FileStatus = 9
)

func (s FileStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOk:
		return "ok"
	case StatusWaitQueue:
		return "waitqueue"
	case StatusNeedParams:
		return "needparams"
	case StatusErr:
		return "err"
	case StatusErrToReload:
		return "errtoreload"
	case StatusSaveVersion:
		return "saveversion"
	case StatusUpdateVersion:
		return "updateversion"
	case StatusNeedPassword:
		return "needpassword"
	default:
		return "unknown"
	}
}

// TaskResultData is one task_result row. Callback holds the append-only
// delimited log of per-collaborator callback URLs in its persistence format;
// use the UserCallback helpers to read it.
type TaskResultData struct {
	Key          string
	Status       FileStatus
	StatusInfo   int64
	LastOpenDate time.Time
	UserIndex    int64
	ChangeID     int64
	Callback     string
	BaseURL      string
}

// CompleteDefaults fills zero fields with row defaults before insert.
func (t *TaskResultData) CompleteDefaults() {
	if t.Status == 0 {
		t.Status = StatusNone
	}
	if t.StatusInfo == 0 {
		t.StatusInfo = int64(taskerr.NoError)
	}
	if t.LastOpenDate.IsZero() {
		t.LastOpenDate = time.Now().UTC()
	}
	if t.UserIndex == 0 {
		t.UserIndex = 1
	}
}

// Update lists row fields to change. Nil fields are left untouched. Setting
// Callback appends one log entry tagged with UserIndex rather than replacing
// the column. LastOpenDate is always refreshed by Update and UpdateIf.
type Update struct {
	Status     *FileStatus
	StatusInfo *int64
	UserIndex  *int64
	ChangeID   *int64
	Callback   *string
	BaseURL    *string
}

// Mask is the CAS guard for UpdateIf: the update applies only when every
// non-nil field equals the row's current value.
type Mask struct {
	Status     *FileStatus
	StatusInfo *int64
}

// StatusPtr and Int64Ptr build Update and Mask fields inline.
func StatusPtr(s FileStatus) *FileStatus { return &s }

func Int64Ptr(v int64) *int64 { return &v }

func StringPtr(v string) *string { return &v }
