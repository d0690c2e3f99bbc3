package orchestrator

import (
	"context"
	"time"

	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/taskerr"
	"papermill/internal/taskresult"
)

// ConvertRequest describes one file conversion episode, independent of any
// editing session.
type ConvertRequest struct {
	DocID        string
	Format       string
	OutputFormat string
	URL          string
	Data         string
	Title        string
	BaseURL      string
	Codepage     int
	Delimiter    int
	LCID         int
	Password     string
	Thumbnail    *doctask.Thumbnail
	// Async returns immediately with the episode key; the caller polls.
	Async bool
}

const convertPollInterval = time.Second

// ConvertByCmd allocates a conversion episode under a randomized key,
// enqueues it, and either returns the key (async) or polls the row until it
// settles or the conversion deadline passes.
func (o *Orchestrator) ConvertByCmd(ctx context.Context, req ConvertRequest) (*doctask.OutputData, error) {
	return o.runEpisode(ctx, req, false)
}

// Builder runs a document-builder script instead of a format conversion.
// The script arrives as a URL or inline data and drives the converter's
// builder mode.
func (o *Orchestrator) Builder(ctx context.Context, req ConvertRequest) (*doctask.OutputData, error) {
	return o.runEpisode(ctx, req, true)
}

func (o *Orchestrator) runEpisode(ctx context.Context, req ConvertRequest, builder bool) (*doctask.OutputData, error) {
	row, err := o.results.AddRandomKeyTask(ctx, req.DocID)
	if err != nil {
		return nil, err
	}

	verb := doctask.VerbConv
	if builder {
		verb = doctask.VerbBuilder
	}
	outputFormat := req.OutputFormat
	if outputFormat == "" {
		outputFormat = "docx"
	}
	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:         verb,
			DocID:     row.Key,
			Format:    req.Format,
			URL:       req.URL,
			Data:      req.Data,
			Title:     req.Title,
			BaseURL:   req.BaseURL,
			Codepage:  req.Codepage,
			Delimiter: req.Delimiter,
			LCID:      req.LCID,
			Password:  req.Password,
			Thumbnail: req.Thumbnail,
		},
		ToFile:  "output." + outputFormat,
		Builder: builder,
	}
	if err := o.enqueue(ctx, task, openPriority(req.Format), 0); err != nil {
		return nil, err
	}
	if req.Async {
		return &doctask.OutputData{Type: verb, Status: doctask.OutputWaitOpen, Extra: row.Key}, nil
	}
	return o.pollEpisode(ctx, row.Key, verb, task.ToFile, req.BaseURL)
}

// pollEpisode waits for the episode row to leave the queue states. The
// deadline is deliberately generous: a message may sit invisible for a full
// visibility window and then wait out retention before dead-lettering.
func (o *Orchestrator) pollEpisode(ctx context.Context, key, verb, toFile, baseURL string) (*doctask.OutputData, error) {
	deadline := o.now().Add(o.cfg.ConversionTimeout())
	ticker := time.NewTicker(convertPollInterval)
	defer ticker.Stop()

	for {
		row, err := o.results.Select(ctx, key)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return doctask.NewOutputError(verb, taskerr.Unknown), nil
		}
		if row.Status != taskresult.StatusNone && row.Status != taskresult.StatusWaitQueue {
			return o.getOutputData(ctx, row, verb, outputOptions{BaseURL: baseURL, ToFile: toFile})
		}
		if o.now().After(deadline) {
			o.logger.Warn("conversion episode timed out",
				logging.String("key", key))
			return doctask.NewOutputError(verb, taskerr.ConvertTimeout), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
