package orchestrator

import (
	"context"
	"time"

	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/storage"
	"papermill/internal/taskerr"
	"papermill/internal/taskresult"
)

type outputOptions struct {
	BaseURL string
	// ToFile names the result object for convert episodes; open answers
	// point at the editor snapshot.
	ToFile string
	// Restore and ViewOnly suppress the pending-version staleness shortcut:
	// a restore or a closing view-only session must see the marker.
	Restore  bool
	ViewOnly bool
}

// getOutputData synthesizes a response from a settled row.
func (o *Orchestrator) getOutputData(ctx context.Context, row *taskresult.TaskResultData, commandType string, opts outputOptions) (*doctask.OutputData, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = row.BaseURL
	}
	toFile := opts.ToFile
	if toFile == "" {
		toFile = "Editor.bin"
	}

	switch row.Status {
	case taskresult.StatusOk, taskresult.StatusSaveVersion:
		return o.signedOutput(row.Key, toFile, baseURL, commandType)
	case taskresult.StatusUpdateVersion:
		// StatusInfo holds the transition's unix time. An old marker means
		// the in-session version never came and the stored result is final.
		age := o.now().Sub(time.Unix(row.StatusInfo, 0))
		stale := age > time.Duration(o.cfg.GC.UpdateVersionStale)*time.Second
		if stale && !opts.Restore && !opts.ViewOnly {
			return o.signedOutput(row.Key, toFile, baseURL, commandType)
		}
		return &doctask.OutputData{Type: commandType, Status: doctask.OutputUpdateVersion}, nil
	case taskresult.StatusNeedParams:
		return &doctask.OutputData{Type: commandType, Status: doctask.OutputNeedParams}, nil
	case taskresult.StatusNeedPassword:
		return &doctask.OutputData{
			Type:   commandType,
			Status: doctask.OutputNeedPassword,
			Data:   taskerr.Code(row.StatusInfo),
		}, nil
	case taskresult.StatusErrToReload:
		// The cached artifacts are unusable. Drop them so the next open
		// starts clean, then surface the error.
		if err := o.gateway.DeletePath(ctx, row.Key); err != nil {
			o.logger.Warn("reload cleanup failed", logging.Error(err),
				logging.String("doc_id", row.Key))
		}
		if err := o.results.Remove(ctx, row.Key); err != nil {
			o.logger.Warn("reload row removal failed", logging.Error(err),
				logging.String("doc_id", row.Key))
		}
		return doctask.NewOutputError(commandType, taskerr.Code(row.StatusInfo)), nil
	case taskresult.StatusErr:
		return doctask.NewOutputError(commandType, taskerr.Code(row.StatusInfo)), nil
	default:
		return &doctask.OutputData{Type: commandType, Status: doctask.OutputWaitOpen}, nil
	}
}

func (o *Orchestrator) signedOutput(key, toFile, baseURL, commandType string) (*doctask.OutputData, error) {
	signed, err := o.gateway.SignedURL(baseURL, key+"/"+toFile, storage.URLTypeSession, toFile)
	if err != nil {
		return nil, err
	}
	return doctask.NewOutputURL(commandType, signed), nil
}

// statusFromCode maps a worker's status info to the row state it settles in.
func statusFromCode(code taskerr.Code) taskresult.FileStatus {
	switch code {
	case taskerr.NoError:
		return taskresult.StatusOk
	case taskerr.ConvertNeedParams:
		return taskresult.StatusNeedParams
	case taskerr.ConvertPassword, taskerr.ConvertDrm:
		return taskresult.StatusNeedPassword
	case taskerr.ConvertTimeout, taskerr.ConvertDeadLetter:
		return taskresult.StatusErrToReload
	default:
		return taskresult.StatusErr
	}
}
