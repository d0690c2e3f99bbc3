package doctask_test

import (
	"testing"

	"papermill/internal/doctask"
	"papermill/internal/taskerr"
)

func TestKeyPrefersSaveKey(t *testing.T) {
	cmd := doctask.Command{C: doctask.VerbSave, DocID: "doc1"}
	if cmd.Key() != "doc1" {
		t.Fatalf("expected document id, got %q", cmd.Key())
	}
	cmd.SaveKey = "save-abc"
	if cmd.Key() != "save-abc" {
		t.Fatalf("expected save key, got %q", cmd.Key())
	}
}

func TestQueueTaskRoundTrip(t *testing.T) {
	task := &doctask.QueueTask{
		Cmd: doctask.Command{
			C:            doctask.VerbSfcm,
			DocID:        "doc1",
			SaveKey:      "save-1",
			OutputFormat: "docx",
			ForceSave:    &doctask.ForceSave{Type: doctask.ForceSaveTimeout, Time: 1234, Index: 7},
			StatusInfoIn: taskerr.EditorChanges,
			Attempt:      2,
		},
		FromChanges:       true,
		VisibilityTimeout: 300,
	}

	data, err := task.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := doctask.UnmarshalTask(data)
	if err != nil {
		t.Fatalf("UnmarshalTask: %v", err)
	}
	if got.Cmd.DocID != "doc1" || got.Cmd.SaveKey != "save-1" {
		t.Fatalf("unexpected identity fields: %+v", got.Cmd)
	}
	if !got.FromChanges || got.VisibilityTimeout != 300 {
		t.Fatalf("unexpected envelope fields: %+v", got)
	}
	if got.Cmd.ForceSave == nil || got.Cmd.ForceSave.Index != 7 {
		t.Fatalf("force save descriptor lost: %+v", got.Cmd.ForceSave)
	}
	if got.Cmd.StatusInfoIn != taskerr.EditorChanges {
		t.Fatalf("status info lost: %v", got.Cmd.StatusInfoIn)
	}
	if got.Key() != "save-1" {
		t.Fatalf("unexpected key: %q", got.Key())
	}
}

func TestUnmarshalTaskRejectsGarbage(t *testing.T) {
	if _, err := doctask.UnmarshalTask([]byte("{not json")); err == nil {
		t.Fatal("expected error")
	}
}
