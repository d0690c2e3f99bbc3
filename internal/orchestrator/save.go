package orchestrator

import (
	"context"
	"strings"

	"papermill/internal/coordination"
	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/queue"
	"papermill/internal/taskerr"
	"papermill/internal/taskresult"
)

// SaveRequest describes one save episode for an edited document.
type SaveRequest struct {
	DocID        string
	OutputFormat string
	Title        string
	UserActionID string
	UserData     string
	BaseURL      string
	ForceSave    *doctask.ForceSave
	// Draining marks saves dispatched while the cluster is shutting down;
	// they register under the shutdown counter so the drain loop waits.
	Draining bool
}

// Save marks the document as having a pending version and, when no editor
// remains, dispatches the save-from-changes conversion. The minute-grained
// stamp written to status info is the mask a later dispatch must match, so a
// newer edit burst invalidates an older pending save.
func (o *Orchestrator) Save(ctx context.Context, req SaveRequest) error {
	stamp := o.minuteStamp()
	if err := o.results.Update(ctx, req.DocID, taskresult.Update{
		Status:     taskresult.StatusPtr(taskresult.StatusSaveVersion),
		StatusInfo: &stamp,
	}); err != nil {
		return err
	}
	return o.SaveFromChanges(ctx, req, stamp)
}

// SaveFromChanges dispatches the conversion that folds the persisted change
// log into a new document version. It only fires while the row still carries
// the expected pending stamp; anything else means a later edit superseded
// this save.
func (o *Orchestrator) SaveFromChanges(ctx context.Context, req SaveRequest, stamp int64) error {
	row, err := o.results.Select(ctx, req.DocID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	if row.Status != taskresult.StatusSaveVersion || row.StatusInfo != stamp {
		o.logger.Debug("pending save superseded",
			logging.String("doc_id", req.DocID),
			logging.Int64("stamp", stamp))
		return nil
	}

	// A regular save waits for the room to empty; a force save fires with
	// editors present.
	if req.ForceSave == nil {
		editors, err := o.coord.PresenceCount(ctx, req.DocID)
		if err != nil {
			return err
		}
		if editors > 0 {
			o.logger.Debug("editors still present, save deferred",
				logging.String("doc_id", req.DocID),
				logging.Int("editors", editors))
			return nil
		}
	}

	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:            doctask.VerbSfc,
			DocID:        req.DocID,
			SaveKey:      newSaveKey(req.DocID),
			UserActionID: req.UserActionID,
			UserData:     req.UserData,
			BaseURL:      req.BaseURL,
			ForceSave:    req.ForceSave,
			StatusInfoIn: taskerr.Code(stamp),
		},
		ToFile:      saveParts(req.Title, req.OutputFormat),
		FromChanges: true,
	}
	priority := queue.PriorityNormal
	if req.ForceSave != nil {
		task.Cmd.C = doctask.VerbSfcm
		priority = queue.PriorityHigh
	}
	if req.Draining {
		if err := o.coord.AddShutdown(ctx, coordination.ShutdownSave, req.DocID); err != nil {
			return err
		}
	}
	return o.enqueue(ctx, task, priority, 0)
}

// Sfct runs a timer-triggered force save: claim the pending descriptor, then
// dispatch with the timeout trigger kind.
func (o *Orchestrator) Sfct(ctx context.Context, docID string) error {
	fs, started, err := o.coord.CheckAndStartForceSave(ctx, docID)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}
	row, err := o.results.Select(ctx, docID)
	if err != nil {
		return err
	}
	if row == nil {
		return o.coord.RemoveForceSave(ctx, docID)
	}
	return o.SaveFromChanges(ctx, SaveRequest{
		DocID:   docID,
		BaseURL: fs.BaseURL,
		ForceSave: &doctask.ForceSave{
			Type:  doctask.ForceSaveTimeout,
			Time:  fs.Time,
			Index: fs.Index,
		},
	}, row.StatusInfo)
}

// SaveFromOrigin refetches the document from its origin URL instead of the
// stored snapshot, used when the cached copy is unusable.
func (o *Orchestrator) SaveFromOrigin(ctx context.Context, docID, url, baseURL string) error {
	won, err := o.results.UpdateIf(ctx, docID,
		taskresult.Update{Status: taskresult.StatusPtr(taskresult.StatusWaitQueue)},
		taskresult.Mask{Status: taskresult.StatusPtr(taskresult.StatusErrToReload)})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:       doctask.VerbSaveFromOrigin,
			DocID:   docID,
			URL:     url,
			BaseURL: baseURL,
		},
		ToFile:     "Editor.bin",
		FromOrigin: true,
	}
	return o.enqueue(ctx, task, queue.PriorityNormal, 0)
}

// saveParts names the result object for one save episode. The title's
// extension wins; the requested output format is the fallback.
func saveParts(title, outputFormat string) string {
	if title != "" {
		if dot := strings.LastIndex(title, "."); dot > 0 && dot < len(title)-1 {
			return "output" + title[dot:]
		}
	}
	if outputFormat == "" {
		outputFormat = "docx"
	}
	return "output." + outputFormat
}

func (o *Orchestrator) minuteStamp() int64 {
	return o.now().Unix() / 60
}
