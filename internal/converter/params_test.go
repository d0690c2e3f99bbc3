package converter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConvertParamsWriteFile(t *testing.T) {
	params := NewConvertParams("doc1_save1", "/tmp/in/Editor.bin", "/tmp/out/output.docx", FormatDOCX)
	params.FromChanges = true
	params.Password = "hunter2"

	path := filepath.Join(t.TempDir(), "params.xml")
	if err := params.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read params: %v", err)
	}
	content := string(raw)
	for _, want := range []string{
		"<TaskQueueDataConvert>",
		"<m_sKey>doc1_save1</m_sKey>",
		"<m_nFormatTo>65</m_nFormatTo>",
		"<m_bFromChanges>true</m_bFromChanges>",
		"<m_sPassword>hunter2</m_sPassword>",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("params file missing %s:\n%s", want, content)
		}
	}
}

func TestConvertParamsRedacted(t *testing.T) {
	params := NewConvertParams("k", "a", "b", FormatPDF)
	params.Password = "hunter2"

	clean := params.Redacted()
	if clean.Password == "hunter2" {
		t.Fatal("password survived redaction")
	}
	if params.Password != "hunter2" {
		t.Fatal("redaction mutated the original")
	}
}

func TestFormatCode(t *testing.T) {
	if code, ok := FormatCode(".DOCX"); !ok || code != FormatDOCX {
		t.Fatalf("FormatCode(.DOCX) = %d, %v", code, ok)
	}
	if _, ok := FormatCode("nope"); ok {
		t.Fatal("unknown extension resolved")
	}
	if !IsLowPriorityInput("pdf") || IsLowPriorityInput("docx") {
		t.Fatal("low priority classification wrong")
	}
}
