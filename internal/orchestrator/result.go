package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"papermill/internal/callback"
	"papermill/internal/coordination"
	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/pubsub"
	"papermill/internal/queue"
	"papermill/internal/taskerr"
	"papermill/internal/taskresult"
)

// Start launches the result consumer. It drains the worker response queue,
// reaps abandoned conversion tasks, and keeps the depth gauges current.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.consumeLoop(ctx)
	}()
}

// Wait blocks until the consumer has stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) consumeLoop(ctx context.Context) {
	poll := time.Duration(o.cfg.Queue.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		msg, err := o.queue.Dequeue(ctx, queue.ConvertResponse)
		if err != nil {
			o.logger.Error("response dequeue failed", logging.Error(err))
		} else if msg != nil {
			o.handleResponseMessage(ctx, msg)
			continue
		}

		o.reapDeadLetters(ctx)
		o.recordDepths(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) handleResponseMessage(ctx context.Context, msg *queue.Message) {
	task, err := doctask.UnmarshalTask(msg.Payload)
	if err != nil {
		// A payload nothing can decode would redeliver forever.
		o.logger.Error("dropping undecodable response", logging.Error(err),
			logging.Int64("message_id", msg.ID))
		if ackErr := o.queue.Ack(ctx, msg.ID); ackErr != nil {
			o.logger.Error("ack failed", logging.Error(ackErr))
		}
		return
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		o.logger.Error("result processing failed", logging.Error(err),
			logging.String("doc_id", task.Cmd.DocID))
		// Leave unacked; the visibility timeout redelivers it.
		return
	}
	if err := o.queue.Ack(ctx, msg.ID); err != nil {
		o.logger.Error("ack failed", logging.Error(err),
			logging.Int64("message_id", msg.ID))
	}
}

// ProcessResult folds one worker result into the document's row and fires
// the follow-on effects: callback delivery for saves, a cluster broadcast so
// editor nodes refresh, and outcome accounting.
func (o *Orchestrator) ProcessResult(ctx context.Context, task *doctask.QueueTask) error {
	code := task.Cmd.StatusInfo
	var err error
	if task.FromChanges || isSaveVerb(task.Cmd.C) {
		err = o.processSaveResult(ctx, task, code)
	} else {
		err = o.processConvertResult(ctx, task, code)
	}
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.TasksTotal.WithLabelValues(outcomeLabel(code)).Inc()
	}
	data, _ := json.Marshal(code)
	o.broadcast(ctx, pubsub.Message{
		Type:  pubsub.TypeTaskResult,
		DocID: task.Cmd.DocID,
		Data:  data,
	})
	return nil
}

func (o *Orchestrator) processSaveResult(ctx context.Context, task *doctask.QueueTask, code taskerr.Code) error {
	docID := task.Cmd.DocID
	stamp := int64(task.Cmd.StatusInfoIn)
	logger := o.logger.With(logging.String("doc_id", docID))

	succeeded := code == taskerr.NoError || code == taskerr.EditorChanges
	current := taskresult.StatusSaveVersion
	restore := taskresult.StatusSaveVersion
	if succeeded {
		if task.Cmd.Attempt > 0 {
			// A scheduled delivery retry: the first attempt already won the
			// stamp CAS and advanced the row, only the callback is still
			// outstanding.
			current = taskresult.StatusUpdateVersion
		} else {
			// The pending stamp is the mask: a save superseded by newer
			// edits must not clobber them.
			now := o.now().Unix()
			won, err := o.results.UpdateIf(ctx, docID,
				taskresult.Update{
					Status:     taskresult.StatusPtr(taskresult.StatusUpdateVersion),
					StatusInfo: &now,
				},
				taskresult.Mask{
					Status:     taskresult.StatusPtr(taskresult.StatusSaveVersion),
					StatusInfo: &stamp,
				})
			if err != nil {
				return err
			}
			if !won {
				logger.Debug("save result superseded, discarded")
				o.finishSaveBookkeeping(ctx, task, false)
				return nil
			}
			current = taskresult.StatusUpdateVersion
		}
	}

	omitChanges := task.Cmd.ForgottenPath != "" || code == taskerr.EditorChanges
	var history json.RawMessage
	if code == taskerr.NoError && !omitChanges && o.changes != nil {
		var endIndex *int64
		if fs := task.Cmd.ForceSave; fs != nil {
			endIndex = &fs.Index
		}
		h, err := o.changes.History(ctx, docID, endIndex)
		if err != nil {
			logger.Warn("change history unavailable", logging.Error(err))
		} else {
			history = h
		}
	}

	delivered, err := o.deliver(ctx, callback.SaveOutcome{
		Task:          task,
		Code:          code,
		CurrentStatus: current,
		RestoreStatus: restore,
		History:       history,
		NotModified:   code == taskerr.EditorChanges,
		OmitChanges:   omitChanges,
	})
	if err != nil {
		logger.Error("callback delivery failed", logging.Error(err))
	}
	o.finishSaveBookkeeping(ctx, task, delivered && code == taskerr.NoError)
	return nil
}

// deliver routes through the callback deliverer; a nil deliverer (tests,
// callback-less deployments) counts as undelivered without error.
func (o *Orchestrator) deliver(ctx context.Context, outcome callback.SaveOutcome) (bool, error) {
	if o.deliverer == nil {
		return false, nil
	}
	return o.deliverer.DeliverSaveResult(ctx, outcome)
}

// finishSaveBookkeeping releases everything a save episode held: the
// shutdown registration, the force save descriptor, and, once the origin
// confirmed a full save, the applied change log.
func (o *Orchestrator) finishSaveBookkeeping(ctx context.Context, task *doctask.QueueTask, confirmed bool) {
	docID := task.Cmd.DocID
	if err := o.coord.RemoveShutdown(ctx, coordination.ShutdownSave, docID); err != nil {
		o.logger.Warn("shutdown deregistration failed", logging.Error(err),
			logging.String("doc_id", docID))
	}
	fs := task.Cmd.ForceSave
	if fs != nil {
		if _, err := o.coord.CheckAndSetForceSave(ctx, docID, fs.Time, fs.Index, false, true); err != nil {
			o.logger.Warn("force save completion mark failed", logging.Error(err),
				logging.String("doc_id", docID))
		}
		return
	}
	if confirmed && o.changes != nil {
		if err := o.changes.DeleteChanges(ctx, docID, nil); err != nil {
			o.logger.Warn("change log cleanup failed", logging.Error(err),
				logging.String("doc_id", docID))
		}
	}
}

func (o *Orchestrator) processConvertResult(ctx context.Context, task *doctask.QueueTask, code taskerr.Code) error {
	docID := task.Cmd.DocID
	newStatus := statusFromCode(code)
	info := int64(code)
	won, err := o.results.UpdateIf(ctx, docID,
		taskresult.Update{Status: taskresult.StatusPtr(newStatus), StatusInfo: &info},
		taskresult.Mask{Status: taskresult.StatusPtr(taskresult.StatusWaitQueue)})
	if err != nil {
		return err
	}
	if !won {
		// The row already moved on; expected under redelivery.
		o.logger.Debug("convert result ignored, row not waiting",
			logging.String("doc_id", docID))
		return nil
	}
	if code == taskerr.NoError {
		o.logger.Debug("conversion settled", logging.String("doc_id", docID))
	} else {
		o.logger.Info("conversion settled with error",
			logging.String("doc_id", docID),
			logging.String("code", code.String()))
	}
	return nil
}

// reapDeadLetters turns conversion tasks that exhausted their retention into
// error results so their rows never sit in the wait state forever.
func (o *Orchestrator) reapDeadLetters(ctx context.Context) {
	dead, err := o.queue.CollectDead(ctx, queue.ConvertTask)
	if err != nil {
		o.logger.Error("dead letter collection failed", logging.Error(err))
		return
	}
	for _, msg := range dead {
		task, err := doctask.UnmarshalTask(msg.Payload)
		if err != nil {
			o.logger.Error("dropping undecodable dead letter", logging.Error(err))
			continue
		}
		o.logger.Warn("conversion task abandoned",
			logging.String("doc_id", task.Cmd.DocID),
			logging.Int("attempts", task.Cmd.Attempt))
		task.Cmd.StatusInfo = taskerr.ConvertDeadLetter
		if err := o.ProcessResult(ctx, task); err != nil {
			o.logger.Error("dead letter processing failed", logging.Error(err),
				logging.String("doc_id", task.Cmd.DocID))
		}
	}
}

func (o *Orchestrator) recordDepths(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	for _, name := range []string{queue.ConvertTask, queue.ConvertResponse} {
		depth, err := o.queue.Depth(ctx, name)
		if err != nil {
			continue
		}
		o.metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
}

func isSaveVerb(verb string) bool {
	switch verb {
	case doctask.VerbSfc, doctask.VerbSfcm, doctask.VerbSfct:
		return true
	}
	return false
}

func outcomeLabel(code taskerr.Code) string {
	switch code {
	case taskerr.NoError, taskerr.EditorChanges:
		return "ok"
	case taskerr.ConvertTimeout:
		return "timeout"
	case taskerr.ConvertDeadLetter:
		return "abandoned"
	default:
		return "error"
	}
}
