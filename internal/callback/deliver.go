package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"papermill/internal/config"
	"papermill/internal/coordination"
	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/metrics"
	"papermill/internal/queue"
	"papermill/internal/storage"
	"papermill/internal/taskerr"
	"papermill/internal/taskresult"
)

// SaveOutcome describes one finished save conversion handed to delivery.
type SaveOutcome struct {
	Task *doctask.QueueTask
	Code taskerr.Code
	// CurrentStatus is the row status set for this delivery attempt;
	// RestoreStatus is what to CAS back to if the attempt ultimately fails,
	// so a lost notification never strands the document mid-transition.
	CurrentStatus taskresult.FileStatus
	RestoreStatus taskresult.FileStatus
	// History is the author history produced by the changes replay.
	History json.RawMessage
	// OmitChanges suppresses change-history metadata: set for saves sourced
	// from a forgotten file and for encrypted sessions.
	OmitChanges bool
	// NotModified reports a save that found no material changes.
	NotModified bool
}

// Deliverer POSTs save results to origin callback URLs.
type Deliverer struct {
	cfg     *config.Config
	client  *http.Client
	results taskresult.Store
	gateway storage.Gateway
	coord   coordination.Store
	queue   *queue.Store
	signer  *TokenSigner
	logger  *slog.Logger
	metrics *metrics.Metrics

	// draining reports whether the cluster is shutting down; retries stop
	// scheduling while it is true.
	draining func() bool
}

// Option configures the deliverer.
type Option func(*Deliverer)

// WithDrainCheck wires the shutdown signal into retry scheduling.
func WithDrainCheck(fn func() bool) Option {
	return func(d *Deliverer) {
		if fn != nil {
			d.draining = fn
		}
	}
}

// WithMetrics attaches delivery instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deliverer) {
		d.metrics = m
	}
}

// WithHTTPClient overrides the transport (primarily for tests).
func WithHTTPClient(client *http.Client) Option {
	return func(d *Deliverer) {
		if client != nil {
			d.client = client
		}
	}
}

func New(cfg *config.Config, results taskresult.Store, gateway storage.Gateway, coord coordination.Store, queueStore *queue.Store, logger *slog.Logger, opts ...Option) *Deliverer {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Deliverer{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.Callback.RequestTimeout) * time.Second},
		results: results,
		gateway: gateway,
		coord:   coord,
		queue:   queueStore,
		signer:  NewTokenSigner(cfg.Callback.Secret, time.Duration(cfg.Callback.TokenExpires)*time.Second),
		logger:  logging.NewComponentLogger(logger, "callback"),
		draining: func() bool {
			return false
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DeliverSaveResult runs one delivery attempt for a finished save. It
// returns true when the origin accepted the result; a false return with a
// nil error means the attempt was deferred (editors still present, retry
// scheduled, or no callback registered).
func (d *Deliverer) DeliverSaveResult(ctx context.Context, outcome SaveOutcome) (bool, error) {
	cmd := &outcome.Task.Cmd
	logger := d.logger.With(logging.String("doc_id", cmd.DocID))

	row, err := d.results.Select(ctx, cmd.DocID)
	if err != nil {
		return false, err
	}
	if row == nil {
		logger.Warn("save finished for a vanished document")
		return false, nil
	}

	isForceSave := cmd.ForceSave != nil

	// A regular save fires when the last editor leaves. If someone came
	// back while the conversion ran, the session continues and this result
	// is moot: put the row back and walk away.
	if !isForceSave {
		editors, err := d.coord.PresenceCount(ctx, cmd.DocID)
		if err != nil {
			return false, err
		}
		if editors > 0 {
			d.restoreStatus(ctx, cmd.DocID, outcome)
			logger.Debug("editors returned, save result discarded",
				logging.Int("editors", editors))
			return false, nil
		}
	}

	callbackURL := taskresult.CallbackByUserIndex(row.Callback, cmd.UserActionIndex)
	if callbackURL == "" {
		logger.Warn("no callback registered, parking result as forgotten")
		if err := d.ParkForgotten(ctx, outcome.Task); err != nil {
			return false, err
		}
		return false, nil
	}

	payload, err := d.buildPayload(row, outcome)
	if err != nil {
		return false, err
	}

	ok, retryableFailure, err := d.post(ctx, callbackURL, payload)
	if err != nil || !ok {
		if retryableFailure && d.scheduleRetry(ctx, outcome, logger) {
			if d.metrics != nil {
				d.metrics.CallbacksTotal.WithLabelValues("retry").Inc()
			}
			return false, nil
		}
		// Out of attempts, a terminal status, or a drain in progress.
		d.restoreStatus(ctx, cmd.DocID, outcome)
		if parkErr := d.ParkForgotten(ctx, outcome.Task); parkErr != nil {
			logger.Error("forgotten fallback failed", logging.Error(parkErr))
		}
		if d.metrics != nil {
			d.metrics.CallbacksTotal.WithLabelValues("failed").Inc()
		}
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("callback to %s not accepted", callbackURL)
	}

	if d.metrics != nil {
		d.metrics.CallbacksTotal.WithLabelValues("delivered").Inc()
	}
	return true, nil
}

func (d *Deliverer) restoreStatus(ctx context.Context, docID string, outcome SaveOutcome) {
	updated, err := d.results.UpdateIf(ctx, docID,
		taskresult.Update{Status: taskresult.StatusPtr(outcome.RestoreStatus)},
		taskresult.Mask{Status: taskresult.StatusPtr(outcome.CurrentStatus)})
	if err != nil {
		d.logger.Error("status restore failed", logging.Error(err),
			logging.String("doc_id", docID))
		return
	}
	if !updated {
		// Someone else transitioned the row first. Their state wins.
		d.logger.Debug("status restore lost the race", logging.String("doc_id", docID))
	}
}

func (d *Deliverer) buildPayload(row *taskresult.TaskResultData, outcome SaveOutcome) (*SavePayload, error) {
	cmd := &outcome.Task.Cmd
	baseURL := cmd.BaseURL
	if baseURL == "" {
		baseURL = row.BaseURL
	}

	status := StatusMustSave
	if outcome.Code != taskerr.NoError {
		status = StatusCorrupted
	}
	payload := &SavePayload{
		Key:         cmd.DocID,
		Status:      status,
		UserData:    cmd.UserData,
		LastSave:    time.Now().UTC().Format(time.RFC3339),
		NotModified: outcome.NotModified,
	}
	if cmd.ForceSave != nil {
		if outcome.Code == taskerr.NoError {
			payload.Status = StatusMustForceSave
		} else {
			payload.Status = StatusCorruptedForceSave
		}
		payload.ForceSaveType = cmd.ForceSave.Type
	}
	if cmd.UserActionID != "" {
		payload.Users = []string{cmd.UserActionID}
		payload.Actions = []Action{{Type: ActionDisconnect, UserID: cmd.UserActionID}}
	}

	if outcome.Code == taskerr.NoError {
		resultKey := path.Join(outcome.Task.Key(), outcome.Task.ToFile)
		signed, err := d.gateway.SignedURL(baseURL, resultKey, storage.URLTypeTemporary, outcome.Task.ToFile)
		if err != nil {
			return nil, err
		}
		payload.URL = signed
	}
	if !outcome.OmitChanges {
		payload.History = outcome.History
		changesKey := path.Join(outcome.Task.Key(), "changes.zip")
		if signed, err := d.gateway.SignedURL(baseURL, changesKey, storage.URLTypeTemporary, ""); err == nil {
			payload.ChangesURL = signed
		}
	}
	return payload, nil
}

// post sends the payload. It returns acceptance, and whether a failure is
// worth another attempt.
func (d *Deliverer) post(ctx context.Context, callbackURL string, payload *SavePayload) (accepted, retryable bool, err error) {
	body, authHeader, err := d.signPayload(payload)
	if err != nil {
		return false, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return true, false, nil
	case resp.StatusCode == http.StatusOK:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return false, true, err
		}
		var origin originResponse
		if err := json.Unmarshal(raw, &origin); err != nil {
			return false, false, fmt.Errorf("origin answered with unparseable body: %q", raw)
		}
		if origin.Error != 0 {
			return false, false, fmt.Errorf("origin refused save: error %d", origin.Error)
		}
		return true, false, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return false, true, fmt.Errorf("origin answered %d", resp.StatusCode)
	default:
		return false, false, fmt.Errorf("origin answered %d", resp.StatusCode)
	}
}

// signPayload renders the body and Authorization header. An oversized header
// degrades by dropping change-history metadata instead of failing the
// delivery.
func (d *Deliverer) signPayload(payload *SavePayload) ([]byte, string, error) {
	if !d.signer.Enabled() {
		body, err := json.Marshal(payload)
		return body, "", err
	}

	for attempt := 0; ; attempt++ {
		token, err := d.signer.Sign(payload)
		if err != nil {
			return nil, "", err
		}
		wrapped, err := d.signer.SignWrapped(payload)
		if err != nil {
			return nil, "", err
		}
		header := "Bearer " + wrapped
		if maxBytes := d.cfg.Callback.MaxAuthBytes; maxBytes > 0 && len(header) > maxBytes {
			if attempt == 0 && (payload.ChangesURL != "" || len(payload.History) > 0) {
				d.logger.Warn("authorization header oversized, dropping change history",
					logging.String("key", payload.Key),
					logging.Int("bytes", len(header)))
				payload.ChangesURL = ""
				payload.History = nil
				continue
			}
			return nil, "", fmt.Errorf("authorization header exceeds %d bytes", maxBytes)
		}
		payload.Token = token
		body, err := json.Marshal(payload)
		return body, header, err
	}
}

// scheduleRetry requeues the task with a grown delay. It reports whether a
// retry was actually scheduled.
func (d *Deliverer) scheduleRetry(ctx context.Context, outcome SaveOutcome, logger *slog.Logger) bool {
	if d.draining() {
		logger.Debug("not retrying callback during shutdown drain")
		return false
	}
	attempt := outcome.Task.Cmd.Attempt
	if attempt+1 >= d.cfg.Callback.RetryAttempts {
		return false
	}
	retry := *outcome.Task
	retry.Cmd.Attempt = attempt + 1

	delay := time.Duration(d.cfg.Callback.RetryDelay) * time.Second << uint(attempt)
	if ceiling := 10 * time.Duration(d.cfg.Callback.RetryDelay) * time.Second; delay > ceiling {
		delay = ceiling
	}
	payload, err := retry.Marshal()
	if err != nil {
		logger.Error("marshal retry failed", logging.Error(err))
		return false
	}
	if _, err := d.queue.Publish(ctx, queue.ConvertResponse, payload, queue.PriorityNormal, queue.PublishOptions{Delay: delay}); err != nil {
		logger.Error("schedule retry failed", logging.Error(err))
		return false
	}
	logger.Debug("callback retry scheduled",
		logging.Int("attempt", retry.Cmd.Attempt),
		logging.Duration("delay", delay))
	return true
}

// ParkForgotten copies the save result into the forgotten-files area keyed
// by document id, a durable fallback absorbing otherwise-lost edits.
func (d *Deliverer) ParkForgotten(ctx context.Context, task *doctask.QueueTask) error {
	dest := path.Join(d.cfg.Storage.ForgottenPrefix, task.Cmd.DocID)
	if err := d.gateway.CopyPath(ctx, task.Key(), dest); err != nil {
		return fmt.Errorf("park forgotten copy for %s: %w", task.Cmd.DocID, err)
	}
	if d.metrics != nil {
		d.metrics.ForgottenFiles.Inc()
	}
	d.logger.Info("save result parked as forgotten file",
		logging.String("doc_id", task.Cmd.DocID),
		logging.String("forgotten", dest))
	return nil
}
