package orchestrator

import (
	"context"

	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/taskerr"
	"papermill/internal/taskresult"
)

// OpenRequest carries everything a first or repeat open needs.
type OpenRequest struct {
	DocID    string
	Format   string
	URL      string
	BaseURL  string
	Callback string
	// Restore and ViewOnly gate the pending-version staleness shortcut.
	Restore  bool
	ViewOnly bool
}

// Open admits a document into the system. A fresh row always enqueues the
// initial conversion; an existing idle row enqueues through the conditional
// update so concurrent opens produce exactly one task; a settled row answers
// from stored state without touching the queue.
func (o *Orchestrator) Open(ctx context.Context, req OpenRequest) (*doctask.OutputData, error) {
	row := &taskresult.TaskResultData{
		Key:      req.DocID,
		Status:   taskresult.StatusNone,
		BaseURL:  req.BaseURL,
		Callback: req.Callback,
	}
	// Each session that registers a callback URL gets its own collaborator
	// index so later saves can address the right origin.
	created, _, err := o.results.Upsert(ctx, row, req.Callback != "")
	if err != nil {
		return nil, err
	}
	if created {
		// First open of this document. The row is ours, so skipping the
		// conditional update cannot double-enqueue.
		if _, err := o.results.UpdateIf(ctx, req.DocID,
			taskresult.Update{Status: taskresult.StatusPtr(taskresult.StatusWaitQueue)},
			taskresult.Mask{Status: taskresult.StatusPtr(taskresult.StatusNone)}); err != nil {
			return nil, err
		}
		if err := o.enqueueOpen(ctx, req); err != nil {
			return nil, err
		}
		return &doctask.OutputData{Type: doctask.VerbOpen, Status: doctask.OutputWaitOpen}, nil
	}

	current, err := o.results.Select(ctx, req.DocID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		// Removed between upsert and select; treat like a queue miss.
		return &doctask.OutputData{Type: doctask.VerbOpen, Status: doctask.OutputWaitOpen}, nil
	}

	switch current.Status {
	case taskresult.StatusNone:
		won, err := o.results.UpdateIf(ctx, req.DocID,
			taskresult.Update{Status: taskresult.StatusPtr(taskresult.StatusWaitQueue)},
			taskresult.Mask{Status: taskresult.StatusPtr(taskresult.StatusNone)})
		if err != nil {
			return nil, err
		}
		if won {
			if err := o.enqueueOpen(ctx, req); err != nil {
				return nil, err
			}
		}
		return &doctask.OutputData{Type: doctask.VerbOpen, Status: doctask.OutputWaitOpen}, nil
	case taskresult.StatusWaitQueue:
		return &doctask.OutputData{Type: doctask.VerbOpen, Status: doctask.OutputWaitOpen}, nil
	default:
		return o.getOutputData(ctx, current, doctask.VerbOpen, outputOptions{
			BaseURL:  req.BaseURL,
			Restore:  req.Restore,
			ViewOnly: req.ViewOnly,
		})
	}
}

func (o *Orchestrator) enqueueOpen(ctx context.Context, req OpenRequest) error {
	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:       doctask.VerbOpen,
			DocID:   req.DocID,
			Format:  req.Format,
			URL:     req.URL,
			BaseURL: req.BaseURL,
		},
		ToFile: "Editor.bin",
	}
	// A parked recovery copy outranks the origin URL as the input source.
	if forgotten := o.forgottenSource(ctx, req.DocID); forgotten != "" {
		task.Cmd.ForgottenPath = forgotten
		task.Cmd.URL = ""
		o.logger.Info("opening from forgotten file",
			logging.String("doc_id", req.DocID),
			logging.String("forgotten", forgotten))
	}
	return o.enqueue(ctx, task, openPriority(req.Format), 0)
}

// Reopen resubmits a document stuck on missing parameters or a password,
// this time converting from stored origin settings instead of the raw input.
func (o *Orchestrator) Reopen(ctx context.Context, docID, format, password string) (*doctask.OutputData, error) {
	row, err := o.results.Select(ctx, docID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return doctask.NewOutputError(doctask.VerbReopen, taskerr.Unknown), nil
	}
	switch row.Status {
	case taskresult.StatusNeedParams, taskresult.StatusNeedPassword:
	default:
		return o.getOutputData(ctx, row, doctask.VerbReopen, outputOptions{BaseURL: row.BaseURL})
	}

	won, err := o.results.UpdateIf(ctx, docID,
		taskresult.Update{Status: taskresult.StatusPtr(taskresult.StatusWaitQueue)},
		taskresult.Mask{Status: taskresult.StatusPtr(row.Status)})
	if err != nil {
		return nil, err
	}
	if won {
		task := &doctask.QueueTask{
			Cmd: doctask.Command{
				C:        doctask.VerbReopen,
				DocID:    docID,
				Format:   format,
				Password: password,
				BaseURL:  row.BaseURL,
			},
			ToFile:       "Editor.bin",
			FromSettings: true,
		}
		if err := o.enqueue(ctx, task, openPriority(format), 0); err != nil {
			return nil, err
		}
	}
	return &doctask.OutputData{Type: doctask.VerbReopen, Status: doctask.OutputWaitOpen}, nil
}
