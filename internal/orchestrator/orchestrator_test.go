package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"papermill/internal/callback"
	"papermill/internal/changes"
	"papermill/internal/config"
	"papermill/internal/coordination"
	"papermill/internal/doctask"
	"papermill/internal/pubsub"
	"papermill/internal/queue"
	"papermill/internal/storage"
	"papermill/internal/taskerr"
	"papermill/internal/taskresult"
	"papermill/internal/testsupport"
)

type orchDeps struct {
	cfg     *config.Config
	results taskresult.Store
	gateway storage.Gateway
	coord   *coordination.Memory
	store   *queue.Store
	changes *changes.Store
	hub     *pubsub.Hub
}

func newOrchestrator(t *testing.T, mutate func(cfg *config.Config), deliverer *callback.Deliverer) (*Orchestrator, *orchDeps) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	gateway, err := storage.NewFS(cfg)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	changesStore, err := changes.Open(cfg)
	if err != nil {
		t.Fatalf("changes.Open: %v", err)
	}
	t.Cleanup(func() { changesStore.Close() })
	hub := pubsub.NewHub(nil)
	deps := &orchDeps{
		cfg:     cfg,
		results: testsupport.MustOpenResults(t, cfg),
		gateway: gateway,
		coord:   coordination.NewMemory(),
		store:   testsupport.MustOpenQueue(t, cfg),
		changes: changesStore,
		hub:     hub,
	}
	bus := hub.Subscribe()
	t.Cleanup(func() { bus.Close() })
	o := New(cfg, deps.results, deps.changes, deps.gateway, deps.store, deps.coord, bus, deliverer, nil)
	return o, deps
}

func mustDepth(t *testing.T, store *queue.Store, name string) int64 {
	t.Helper()
	depth, err := store.Depth(context.Background(), name)
	if err != nil {
		t.Fatalf("Depth %s: %v", name, err)
	}
	return depth
}

func mustRow(t *testing.T, results taskresult.Store, docID string) *taskresult.TaskResultData {
	t.Helper()
	row, err := results.Select(context.Background(), docID)
	if err != nil {
		t.Fatalf("Select %s: %v", docID, err)
	}
	if row == nil {
		t.Fatalf("no row for %s", docID)
	}
	return row
}

func TestOpenFreshDocumentEnqueuesOnce(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	out, err := o.Open(ctx, OpenRequest{DocID: "doc1", Format: "docx", URL: "https://origin.test/doc1.docx"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if out.Status != doctask.OutputWaitOpen {
		t.Errorf("open status = %q, want %q", out.Status, doctask.OutputWaitOpen)
	}
	if depth := mustDepth(t, deps.store, queue.ConvertTask); depth != 1 {
		t.Fatalf("task queue depth = %d, want 1", depth)
	}
	if row := mustRow(t, deps.results, "doc1"); row.Status != taskresult.StatusWaitQueue {
		t.Errorf("row status = %v, want %v", row.Status, taskresult.StatusWaitQueue)
	}

	msg, err := deps.store.Dequeue(ctx, queue.ConvertTask)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue: %v, msg=%v", err, msg)
	}
	task, err := doctask.UnmarshalTask(msg.Payload)
	if err != nil {
		t.Fatalf("UnmarshalTask: %v", err)
	}
	if task.Cmd.URL != "https://origin.test/doc1.docx" || task.ToFile != "Editor.bin" {
		t.Errorf("unexpected task %+v", task)
	}
}

func TestConcurrentOpensEnqueueExactlyOne(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	const openers = 8
	var wg sync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Open(ctx, OpenRequest{DocID: "doc-racy", Format: "docx"}); err != nil {
				t.Errorf("Open: %v", err)
			}
		}()
	}
	wg.Wait()

	if depth := mustDepth(t, deps.store, queue.ConvertTask); depth != 1 {
		t.Fatalf("task queue depth = %d, want 1", depth)
	}
}

func TestOpenSettledDocumentAnswersFromCache(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc2", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	task := &doctask.QueueTask{
		Cmd:    doctask.Command{C: doctask.VerbOpen, DocID: "doc2", StatusInfo: taskerr.NoError},
		ToFile: "Editor.bin",
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	if row := mustRow(t, deps.results, "doc2"); row.Status != taskresult.StatusOk {
		t.Fatalf("row status = %v, want %v", row.Status, taskresult.StatusOk)
	}

	out, err := o.Open(ctx, OpenRequest{DocID: "doc2", Format: "docx", BaseURL: "https://files.test"})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if out.Status != doctask.OutputOK {
		t.Fatalf("second open status = %q, want ok", out.Status)
	}
	url, ok := out.Data.(string)
	if !ok || !strings.Contains(url, "md5=") {
		t.Errorf("second open data = %v, want signed url", out.Data)
	}
	if depth := mustDepth(t, deps.store, queue.ConvertTask); depth != 1 {
		t.Errorf("second open enqueued, depth = %d", depth)
	}
}

func TestOpenErrorResultSurfacesCode(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-bad", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	task := &doctask.QueueTask{
		Cmd: doctask.Command{C: doctask.VerbOpen, DocID: "doc-bad", StatusInfo: taskerr.ConvertPassword},
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	row := mustRow(t, deps.results, "doc-bad")
	if row.Status != taskresult.StatusNeedPassword {
		t.Fatalf("row status = %v, want %v", row.Status, taskresult.StatusNeedPassword)
	}
	out, err := o.Open(ctx, OpenRequest{DocID: "doc-bad", Format: "docx"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if out.Status != doctask.OutputNeedPassword {
		t.Errorf("open status = %q, want %q", out.Status, doctask.OutputNeedPassword)
	}
}

func TestReopenRequeuesFromSettings(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-pw", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	task := &doctask.QueueTask{
		Cmd: doctask.Command{C: doctask.VerbOpen, DocID: "doc-pw", StatusInfo: taskerr.ConvertPassword},
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}

	out, err := o.Reopen(ctx, "doc-pw", "docx", "hunter2")
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if out.Status != doctask.OutputWaitOpen {
		t.Fatalf("reopen status = %q", out.Status)
	}
	if row := mustRow(t, deps.results, "doc-pw"); row.Status != taskresult.StatusWaitQueue {
		t.Errorf("row status = %v, want %v", row.Status, taskresult.StatusWaitQueue)
	}
	if depth := mustDepth(t, deps.store, queue.ConvertTask); depth != 2 {
		t.Fatalf("task queue depth = %d, want 2", depth)
	}
	// Drain the open task; the reopen task must carry the password and the
	// settings flag.
	for {
		msg, err := deps.store.Dequeue(ctx, queue.ConvertTask)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if msg == nil {
			t.Fatal("reopen task not found")
		}
		got, err := doctask.UnmarshalTask(msg.Payload)
		if err != nil {
			t.Fatalf("UnmarshalTask: %v", err)
		}
		if got.Cmd.C != doctask.VerbReopen {
			continue
		}
		if !got.FromSettings || got.Cmd.Password != "hunter2" {
			t.Errorf("reopen task %+v", got)
		}
		break
	}
}

func TestSaveDeferredWhileEditorsPresent(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-busy", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := deps.coord.AddPresence(ctx, "doc-busy", "user-1", time.Minute); err != nil {
		t.Fatalf("AddPresence: %v", err)
	}
	before := mustDepth(t, deps.store, queue.ConvertTask)
	if err := o.Save(ctx, SaveRequest{DocID: "doc-busy", OutputFormat: "docx"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if after := mustDepth(t, deps.store, queue.ConvertTask); after != before {
		t.Fatalf("save enqueued despite editors, depth %d -> %d", before, after)
	}
	if row := mustRow(t, deps.results, "doc-busy"); row.Status != taskresult.StatusSaveVersion {
		t.Errorf("row status = %v, want %v", row.Status, taskresult.StatusSaveVersion)
	}
}

func TestSaveDispatchesWhenRoomEmpty(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-save", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := mustDepth(t, deps.store, queue.ConvertTask)
	if err := o.Save(ctx, SaveRequest{DocID: "doc-save", OutputFormat: "docx", UserActionID: "user-1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if after := mustDepth(t, deps.store, queue.ConvertTask); after != before+1 {
		t.Fatalf("task queue depth %d -> %d, want +1", before, after)
	}

	var saveTask *doctask.QueueTask
	for {
		msg, err := deps.store.Dequeue(ctx, queue.ConvertTask)
		if err != nil || msg == nil {
			t.Fatalf("Dequeue: %v, msg=%v", err, msg)
		}
		got, err := doctask.UnmarshalTask(msg.Payload)
		if err != nil {
			t.Fatalf("UnmarshalTask: %v", err)
		}
		if got.Cmd.C == doctask.VerbSfc {
			saveTask = got
			break
		}
	}
	if !saveTask.FromChanges {
		t.Error("save task not marked fromChanges")
	}
	if saveTask.Cmd.SaveKey == "" || saveTask.Cmd.SaveKey == "doc-save" {
		t.Errorf("save key %q does not namespace the episode", saveTask.Cmd.SaveKey)
	}
	if saveTask.ToFile != "output.docx" {
		t.Errorf("save target = %q", saveTask.ToFile)
	}
}

func TestSaveResultTransitionsAndDeliversCallback(t *testing.T) {
	var gotBody callback.SavePayload
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"error":0}`))
	}))
	defer origin.Close()

	cfg := testsupport.NewConfig(t)
	gateway, err := storage.NewFS(cfg)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	results := testsupport.MustOpenResults(t, cfg)
	store := testsupport.MustOpenQueue(t, cfg)
	coord := coordination.NewMemory()
	changesStore, err := changes.Open(cfg)
	if err != nil {
		t.Fatalf("changes.Open: %v", err)
	}
	t.Cleanup(func() { changesStore.Close() })
	deliverer := callback.New(cfg, results, gateway, coord, store, nil)
	o := New(cfg, results, changesStore, gateway, store, coord, nil, deliverer, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-cb", Format: "docx", Callback: origin.URL}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	edits := []changes.ChangeInput{{Data: `{"op":"a"}`, Time: time.Now().UTC()}}
	author := changes.User{ID: "u1_1", IDOriginal: "u1", Name: "Ada"}
	if err := changesStore.InsertChanges(ctx, "doc-cb", 0, edits, author); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}
	if err := o.Save(ctx, SaveRequest{DocID: "doc-cb", OutputFormat: "docx"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	row := mustRow(t, results, "doc-cb")
	stamp := row.StatusInfo

	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:            doctask.VerbSfc,
			DocID:        "doc-cb",
			SaveKey:      "doc-cb_abcd",
			StatusInfo:   taskerr.NoError,
			StatusInfoIn: taskerr.Code(stamp),
		},
		ToFile:      "output.docx",
		FromChanges: true,
	}
	if err := gateway.Put(ctx, task.Key()+"/output.docx", strings.NewReader("saved")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}

	row = mustRow(t, results, "doc-cb")
	if row.Status != taskresult.StatusUpdateVersion {
		t.Fatalf("row status = %v, want %v", row.Status, taskresult.StatusUpdateVersion)
	}
	if gotBody.Key != "doc-cb" || gotBody.Status != callback.StatusMustSave {
		t.Errorf("callback body %+v", gotBody)
	}
	if gotBody.URL == "" {
		t.Error("callback carried no result url")
	}
	if len(gotBody.History) == 0 {
		t.Fatal("callback carried no change history")
	}
	var history struct {
		Changes []struct {
			UserID   string `json:"userid"`
			UserName string `json:"username"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(gotBody.History, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Changes) != 1 || history.Changes[0].UserID != "u1" || history.Changes[0].UserName != "Ada" {
		t.Errorf("history %s", gotBody.History)
	}
}

func TestSaveCallbackRetryRedelivers(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"error":0}`))
	}))
	defer origin.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Callback.RetryDelay = 0
	gateway, err := storage.NewFS(cfg)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	results := testsupport.MustOpenResults(t, cfg)
	store := testsupport.MustOpenQueue(t, cfg)
	coord := coordination.NewMemory()
	changesStore, err := changes.Open(cfg)
	if err != nil {
		t.Fatalf("changes.Open: %v", err)
	}
	t.Cleanup(func() { changesStore.Close() })
	deliverer := callback.New(cfg, results, gateway, coord, store, nil)
	o := New(cfg, results, changesStore, gateway, store, coord, nil, deliverer, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-retry", Format: "docx", Callback: origin.URL}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := o.Save(ctx, SaveRequest{DocID: "doc-retry", OutputFormat: "docx"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	row := mustRow(t, results, "doc-retry")

	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:            doctask.VerbSfc,
			DocID:        "doc-retry",
			SaveKey:      "doc-retry_abcd",
			StatusInfo:   taskerr.NoError,
			StatusInfoIn: taskerr.Code(row.StatusInfo),
		},
		ToFile:      "output.docx",
		FromChanges: true,
	}
	if err := gateway.Put(ctx, task.Key()+"/output.docx", strings.NewReader("saved")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}

	// The failed delivery must leave a scheduled retry behind; pump it the
	// way the daemon's response loop would.
	redelivered := false
	for i := 0; i < 10; i++ {
		msg, err := store.Dequeue(ctx, queue.ConvertResponse)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if msg == nil {
			break
		}
		retry, err := doctask.UnmarshalTask(msg.Payload)
		if err != nil {
			t.Fatalf("UnmarshalTask: %v", err)
		}
		if retry.Cmd.Attempt == 0 {
			t.Fatalf("retry task did not advance attempt: %+v", retry.Cmd)
		}
		if err := o.ProcessResult(ctx, retry); err != nil {
			t.Fatalf("ProcessResult retry: %v", err)
		}
		if err := store.Ack(ctx, msg.ID); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		redelivered = true
	}
	if !redelivered {
		t.Fatal("no retry was scheduled")
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("origin hits = %d, want 2", got)
	}
	after := mustRow(t, results, "doc-retry")
	if after.Status != taskresult.StatusUpdateVersion {
		t.Fatalf("row status after retry = %v, want %v", after.Status, taskresult.StatusUpdateVersion)
	}
}

func TestSaveResultSupersededIsDiscarded(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-stale", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := o.Save(ctx, SaveRequest{DocID: "doc-stale", OutputFormat: "docx"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	row := mustRow(t, deps.results, "doc-stale")

	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:            doctask.VerbSfc,
			DocID:        "doc-stale",
			SaveKey:      "doc-stale_ffff",
			StatusInfo:   taskerr.NoError,
			StatusInfoIn: taskerr.Code(row.StatusInfo - 1),
		},
		FromChanges: true,
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	after := mustRow(t, deps.results, "doc-stale")
	if after.Status != taskresult.StatusSaveVersion || after.StatusInfo != row.StatusInfo {
		t.Errorf("superseded result mutated row: %+v", after)
	}
}

func TestPendingVersionStalenessShortcut(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-upd", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	old := time.Now().Add(-time.Duration(deps.cfg.GC.UpdateVersionStale+60) * time.Second).Unix()
	if err := deps.results.Update(ctx, "doc-upd", taskresult.Update{
		Status:     taskresult.StatusPtr(taskresult.StatusUpdateVersion),
		StatusInfo: &old,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	out, err := o.Open(ctx, OpenRequest{DocID: "doc-upd", Format: "docx"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if out.Status != doctask.OutputOK {
		t.Errorf("stale pending version status = %q, want ok", out.Status)
	}

	out, err = o.Open(ctx, OpenRequest{DocID: "doc-upd", Format: "docx", Restore: true})
	if err != nil {
		t.Fatalf("Open restore: %v", err)
	}
	if out.Status != doctask.OutputUpdateVersion {
		t.Errorf("restore open status = %q, want %q", out.Status, doctask.OutputUpdateVersion)
	}
}

func TestConvertByCmdAsyncAllocatesEpisode(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	out, err := o.ConvertByCmd(ctx, ConvertRequest{
		DocID:        "conv1",
		Format:       "docx",
		OutputFormat: "pdf",
		URL:          "https://origin.test/conv1.docx",
		Async:        true,
	})
	if err != nil {
		t.Fatalf("ConvertByCmd: %v", err)
	}
	if out.Status != doctask.OutputWaitOpen || out.Extra == "" {
		t.Fatalf("async convert output %+v", out)
	}
	if !strings.HasPrefix(out.Extra, "conv1_") {
		t.Errorf("episode key %q not derived from doc id", out.Extra)
	}
	if row := mustRow(t, deps.results, out.Extra); row.Status != taskresult.StatusWaitQueue {
		t.Errorf("episode row status = %v", row.Status)
	}
	if depth := mustDepth(t, deps.store, queue.ConvertTask); depth != 1 {
		t.Errorf("task queue depth = %d, want 1", depth)
	}
}

func TestConvertByCmdSyncWaitsForResult(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	go func() {
		for i := 0; i < 100; i++ {
			msg, err := deps.store.Dequeue(ctx, queue.ConvertTask)
			if err != nil || msg == nil {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			task, err := doctask.UnmarshalTask(msg.Payload)
			if err != nil {
				return
			}
			task.Cmd.StatusInfo = taskerr.NoError
			if err := o.ProcessResult(ctx, task); err != nil {
				t.Errorf("ProcessResult: %v", err)
			}
			deps.store.Ack(ctx, msg.ID)
			return
		}
	}()

	out, err := o.ConvertByCmd(ctx, ConvertRequest{
		DocID:        "conv-sync",
		Format:       "docx",
		OutputFormat: "pdf",
		URL:          "https://origin.test/conv-sync.docx",
		BaseURL:      "https://files.test",
	})
	if err != nil {
		t.Fatalf("ConvertByCmd: %v", err)
	}
	if out.Status != doctask.OutputOK {
		t.Fatalf("sync convert status = %q, data %v", out.Status, out.Data)
	}
	url, ok := out.Data.(string)
	if !ok || !strings.Contains(url, "output.pdf") {
		t.Errorf("sync convert data = %v", out.Data)
	}
}

func TestDeadLettersSettleAsReloadErrors(t *testing.T) {
	o, deps := newOrchestrator(t, func(cfg *config.Config) {
		cfg.Queue.RetentionPeriod = 0
	}, nil)
	ctx := context.Background()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-dead", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o.reapDeadLetters(ctx)

	row := mustRow(t, deps.results, "doc-dead")
	if row.Status != taskresult.StatusErrToReload {
		t.Fatalf("row status = %v, want %v", row.Status, taskresult.StatusErrToReload)
	}
	if taskerr.Code(row.StatusInfo) != taskerr.ConvertDeadLetter {
		t.Errorf("status info = %d, want dead letter code", row.StatusInfo)
	}
	if depth := mustDepth(t, deps.store, queue.ConvertTask); depth != 0 {
		t.Errorf("dead letter left in queue, depth = %d", depth)
	}
}

func TestResultBroadcastsToCluster(t *testing.T) {
	o, deps := newOrchestrator(t, nil, nil)
	ctx := context.Background()

	observer := deps.hub.Subscribe()
	defer observer.Close()

	if _, err := o.Open(ctx, OpenRequest{DocID: "doc-bcast", Format: "docx"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	task := &doctask.QueueTask{
		Cmd: doctask.Command{C: doctask.VerbOpen, DocID: "doc-bcast", StatusInfo: taskerr.NoError},
	}
	if err := o.ProcessResult(ctx, task); err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}

	select {
	case msg := <-observer.Messages():
		if msg.Type != pubsub.TypeTaskResult || msg.DocID != "doc-bcast" {
			t.Errorf("broadcast %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestSavePartsNaming(t *testing.T) {
	if got := saveParts("Report.xlsx", "docx"); got != "output.xlsx" {
		t.Errorf("saveParts title = %q", got)
	}
	if got := saveParts("", "pdf"); got != "output.pdf" {
		t.Errorf("saveParts format = %q", got)
	}
	if got := saveParts("", ""); got != "output.docx" {
		t.Errorf("saveParts default = %q", got)
	}
}
