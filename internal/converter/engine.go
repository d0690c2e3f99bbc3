package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"papermill/internal/changes"
	"papermill/internal/config"
	"papermill/internal/doctask"
	"papermill/internal/fetch"
	"papermill/internal/logging"
	"papermill/internal/metrics"
	"papermill/internal/queue"
	"papermill/internal/services"
	"papermill/internal/storage"
	"papermill/internal/taskerr"
)

// Engine consumes conversion tasks from the queue, drives the external
// conversion binary, and reports every outcome back on the response queue.
// A task is acknowledged only after its result message is published, so a
// crash mid-conversion causes redelivery rather than a stuck document.
type Engine struct {
	cfg     *config.Config
	queue   *queue.Store
	gateway storage.Gateway
	changes *changes.Store
	fetcher *fetch.Fetcher
	exec    Executor
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(e *Engine) {
		if exec != nil {
			e.exec = exec
		}
	}
}

// WithMetrics attaches task instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(cfg *config.Config, queueStore *queue.Store, gateway storage.Gateway, changesStore *changes.Store, fetcher *fetch.Fetcher, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		queue:   queueStore,
		gateway: gateway,
		changes: changesStore,
		fetcher: fetcher,
		exec:    commandExecutor{},
		logger:  logging.NewComponentLogger(logger, "converter"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool. Workers stop when ctx is cancelled; Wait
// blocks until they have drained.
func (e *Engine) Start(ctx context.Context) {
	workers := e.cfg.Converter.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func(slot int) {
			defer e.wg.Done()
			e.workerLoop(ctx, slot)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, slot int) {
	logger := e.logger.With(logging.Int("worker", slot))
	poll := time.Duration(e.cfg.Queue.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := e.queue.Dequeue(ctx, queue.ConvertTask)
		if err != nil {
			logger.Error("dequeue failed", logging.Error(err))
		}
		if msg == nil {
			select {
			case <-time.After(poll):
			case <-ctx.Done():
				return
			}
			continue
		}
		e.handleMessage(ctx, logger, msg)
	}
}

func (e *Engine) handleMessage(ctx context.Context, logger *slog.Logger, msg *queue.Message) {
	dequeuedAt := time.Now()

	task, err := doctask.UnmarshalTask(msg.Payload)
	if err != nil {
		// A payload that cannot be decoded cannot be answered either;
		// dropping it is the only way to keep it from cycling forever.
		logger.Error("discarding undecodable task", logging.Error(err),
			logging.Int64("message_id", msg.ID))
		_ = e.queue.Ack(ctx, msg.ID)
		return
	}

	taskCtx := services.WithDocumentID(ctx, task.Cmd.DocID)
	code := e.convert(taskCtx, task, dequeuedAt, msg)
	task.Cmd.StatusInfo = code

	elapsed := time.Since(dequeuedAt)
	if e.metrics != nil {
		e.metrics.TasksTotal.WithLabelValues(code.String()).Inc()
		e.metrics.TaskSeconds.Observe(elapsed.Seconds())
	}
	if code == taskerr.NoError || taskerr.IsMinor(code) {
		logger.Debug("conversion finished",
			logging.String("doc_id", task.Cmd.DocID),
			logging.String("key", task.Key()),
			logging.String("outcome", code.String()),
			logging.Duration("elapsed", elapsed))
	} else {
		logger.Error("conversion failed",
			logging.String("doc_id", task.Cmd.DocID),
			logging.String("key", task.Key()),
			logging.String("outcome", code.String()),
			logging.Duration("elapsed", elapsed))
	}

	payload, err := task.Marshal()
	if err != nil {
		logger.Error("marshal response failed", logging.Error(err))
		_ = e.queue.Ack(ctx, msg.ID)
		return
	}
	if _, err := e.queue.Publish(ctx, queue.ConvertResponse, payload, queue.PriorityNormal, queue.PublishOptions{}); err != nil {
		// With no result published the task must come back: leave the
		// message unacked and let the visibility timeout redeliver it.
		logger.Error("publish response failed", logging.Error(err))
		return
	}
	_ = e.queue.Ack(ctx, msg.ID)
}

// convert runs the full task state machine. It never returns an error; every
// failure becomes a taxonomy code on the response.
func (e *Engine) convert(ctx context.Context, task *doctask.QueueTask, dequeuedAt time.Time, msg *queue.Message) taskerr.Code {
	tempRoot, err := os.MkdirTemp(e.cfg.Paths.TempDir, sanitizeKey(task.Key())+"-")
	if err != nil {
		e.logger.Error("create temp dir failed", logging.Error(err))
		return taskerr.Storage
	}
	defer os.RemoveAll(tempRoot)

	sourceDir := filepath.Join(tempRoot, "source")
	resultDir := filepath.Join(tempRoot, "result")
	for _, dir := range []string{sourceDir, resultDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			e.logger.Error("create work dir failed", logging.Error(err))
			return taskerr.Storage
		}
	}

	fileFrom, code := e.assembleInput(ctx, task, sourceDir)
	if code != taskerr.NoError {
		return code
	}

	toFile := task.ToFile
	if toFile == "" {
		toFile = "output.bin"
	}
	fileTo := filepath.Join(resultDir, toFile)
	formatTo, ok := FormatCode(filepath.Ext(toFile))
	if !ok {
		return taskerr.ConvertUnknownFormat
	}

	args, cleanupCode := e.prepareInvocation(task, tempRoot, fileFrom, fileTo, formatTo)
	if cleanupCode != taskerr.NoError {
		return cleanupCode
	}

	code = e.runEngine(ctx, task, tempRoot, args, dequeuedAt, msg)

	if code == taskerr.NoError || taskerr.UploadEligible(code) {
		if err := e.uploadResults(ctx, resultDir, task.Key()); err != nil {
			e.logger.Error("upload results failed", logging.Error(err),
				logging.String("key", task.Key()))
			return taskerr.Storage
		}
	}
	if code != taskerr.NoError && !taskerr.IsMinor(code) {
		e.captureErrorArtifacts(task.Key(), tempRoot)
	}
	return code
}

// assembleInput stages the conversion source into sourceDir and returns the
// primary input path. The three sources are mutually exclusive: a forgotten
// file copy, a direct URL, or a prior snapshot with optional changes replay.
func (e *Engine) assembleInput(ctx context.Context, task *doctask.QueueTask, sourceDir string) (string, taskerr.Code) {
	cmd := &task.Cmd

	if task.Builder {
		scriptPath := filepath.Join(sourceDir, "script.docbuilder")
		if cmd.URL != "" {
			if err := e.fetcher.Download(ctx, cmd.URL, scriptPath); err != nil {
				e.logger.Warn("builder script download failed", logging.Error(err))
				return "", fetch.Classify(err)
			}
		} else if err := os.WriteFile(scriptPath, []byte(cmd.Data), 0o644); err != nil {
			return "", taskerr.Storage
		}
		return scriptPath, taskerr.NoError
	}

	if cmd.ForgottenPath != "" {
		fileFrom, err := e.downloadPrefix(ctx, cmd.ForgottenPath, sourceDir)
		if err != nil {
			e.logger.Error("forgotten file recovery failed", logging.Error(err),
				logging.String("forgotten", cmd.ForgottenPath))
			return "", taskerr.Storage
		}
		return fileFrom, taskerr.NoError
	}

	if cmd.URL != "" && !task.FromChanges && !task.FromOrigin && !task.FromSettings {
		ext := cmd.Format
		if ext == "" {
			ext = strings.TrimPrefix(path.Ext(cmd.URL), ".")
		}
		name := "origin"
		if ext != "" {
			name += "." + ext
		}
		fileFrom := filepath.Join(sourceDir, name)
		if err := e.fetcher.Download(ctx, cmd.URL, fileFrom); err != nil {
			e.logger.Warn("source download failed", logging.Error(err),
				logging.String("url", cmd.URL))
			return "", fetch.Classify(err)
		}
		return fileFrom, taskerr.NoError
	}

	// Snapshot path: pull the document's stored state, then replay the
	// change log on top when asked to.
	fileFrom, err := e.downloadPrefix(ctx, cmd.DocID, sourceDir)
	if err != nil {
		e.logger.Error("snapshot download failed", logging.Error(err),
			logging.String("doc_id", cmd.DocID))
		return "", taskerr.Storage
	}

	if task.FromChanges {
		var endIndex *int64
		if cmd.ForceSave != nil && cmd.ForceSave.Index > 0 {
			endIndex = &cmd.ForceSave.Index
		}
		if _, err := replayChanges(ctx, e.changes, cmd.DocID, sourceDir, endIndex, e.cfg.Converter.MaxRequestChanges); err != nil {
			if errors.Is(err, ErrEncryptedChanges) {
				e.logger.Debug("replay aborted on encrypted changes",
					logging.String("doc_id", cmd.DocID))
				return "", taskerr.EditorChanges
			}
			e.logger.Error("changes replay failed", logging.Error(err),
				logging.String("doc_id", cmd.DocID))
			return "", taskerr.Storage
		}
	}
	return fileFrom, taskerr.NoError
}

// downloadPrefix copies every stored object under prefix into destDir,
// preserving relative paths, and returns the primary file.
func (e *Engine) downloadPrefix(ctx context.Context, prefix, destDir string) (string, error) {
	keys, err := e.gateway.List(ctx, prefix)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("no stored objects under %q", prefix)
	}
	primary := ""
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
		local := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return "", err
		}
		reader, err := e.gateway.GetReader(ctx, key)
		if err != nil {
			return "", err
		}
		dest, err := os.Create(local)
		if err != nil {
			reader.Close()
			return "", err
		}
		_, copyErr := io.Copy(dest, reader)
		reader.Close()
		if closeErr := dest.Close(); copyErr == nil {
			copyErr = closeErr
		}
		if copyErr != nil {
			return "", copyErr
		}
		if primary == "" || filepath.Base(local) == "Editor.bin" {
			primary = local
		}
	}
	return primary, nil
}

// prepareInvocation writes the parameter file (or picks builder arguments)
// and returns the engine argv.
func (e *Engine) prepareInvocation(task *doctask.QueueTask, tempRoot, fileFrom, fileTo string, formatTo int) ([]string, taskerr.Code) {
	args := append([]string(nil), e.cfg.Converter.Args...)

	if task.Builder {
		return append(args, "--builder", fileFrom, fileTo), taskerr.NoError
	}

	params := NewConvertParams(task.Key(), fileFrom, fileTo, formatTo)
	params.FromChanges = task.FromChanges
	params.FontDir = e.cfg.Converter.FontsDir
	params.CsvTxtEncoding = task.Cmd.Codepage
	params.CsvDelimiter = task.Cmd.Delimiter
	params.LCID = task.Cmd.LCID
	params.JSONParams = task.Cmd.JSONParams
	params.Password = task.Cmd.Password
	params.IsPDFA = formatTo == FormatPDFA

	paramsPath := filepath.Join(tempRoot, "params.xml")
	if err := params.WriteFile(paramsPath); err != nil {
		e.logger.Error("write params failed", logging.Error(err))
		return nil, taskerr.ConvertParams
	}
	return append(args, paramsPath), taskerr.NoError
}

// runEngine spawns the binary under the task's remaining visibility window
// and classifies the exit.
func (e *Engine) runEngine(ctx context.Context, task *doctask.QueueTask, tempRoot string, args []string, dequeuedAt time.Time, msg *queue.Message) taskerr.Code {
	visibility := time.Duration(task.VisibilityTimeout) * time.Second
	if visibility <= 0 {
		visibility = msg.VisibilityTimeout
	}
	if visibility <= 0 {
		visibility = e.cfg.VisibilityTimeout()
	}
	remaining := visibility - time.Since(dequeuedAt)
	if remaining <= 0 {
		return taskerr.ConvertTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	exitCode, err := e.exec.Run(runCtx, e.cfg.Converter.Binary, args, tempRoot,
		filepath.Join(tempRoot, "stdout.log"), filepath.Join(tempRoot, "stderr.log"))
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if err != nil && !timedOut {
		e.logger.Error("engine spawn failed", logging.Error(err),
			logging.String("binary", e.cfg.Converter.Binary))
		return taskerr.Convert
	}
	signaled := exitCode == -1 && !timedOut
	return taskerr.ClassifyExit(exitCode, signaled, timedOut)
}

// uploadResults pushes everything under resultDir to storage under the task
// key, in batches bounded by the open-file ceiling.
func (e *Engine) uploadResults(ctx context.Context, resultDir, key string) error {
	var files []string
	err := filepath.WalkDir(resultDir, func(walkPath string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.IsDir() {
			files = append(files, walkPath)
		}
		return nil
	})
	if err != nil {
		return err
	}

	batch := e.cfg.Converter.MaxOpenFiles
	if batch <= 0 {
		batch = 1
	}
	for start := 0; start < len(files); start += batch {
		end := start + batch
		if end > len(files) {
			end = len(files)
		}
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			batchErr error
		)
		for _, file := range files[start:end] {
			wg.Add(1)
			go func(file string) {
				defer wg.Done()
				rel, err := filepath.Rel(resultDir, file)
				if err == nil {
					err = e.uploadOne(ctx, file, path.Join(key, filepath.ToSlash(rel)))
				}
				if err != nil {
					mu.Lock()
					if batchErr == nil {
						batchErr = err
					}
					mu.Unlock()
				}
			}(file)
		}
		wg.Wait()
		if batchErr != nil {
			return batchErr
		}
	}
	return nil
}

func (e *Engine) uploadOne(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()
	return e.gateway.Put(ctx, key, file)
}

// captureErrorArtifacts copies the invocation evidence for a failed task
// into the error directory before the temp tree is deleted.
func (e *Engine) captureErrorArtifacts(key, tempRoot string) {
	destDir := filepath.Join(e.cfg.Paths.ErrorDir,
		fmt.Sprintf("%s-%d", sanitizeKey(key), time.Now().Unix()))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		e.logger.Warn("create error artifact dir failed", logging.Error(err))
		return
	}
	for _, name := range []string{"params.xml", "stdout.log", "stderr.log"} {
		src := filepath.Join(tempRoot, name)
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, name), data, 0o644); err != nil {
			e.logger.Warn("write error artifact failed", logging.Error(err))
		}
	}
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '.':
			return '_'
		}
		return r
	}, key)
}
