package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCLIConfig(t *testing.T, apiBind, apiToken string) string {
	t.Helper()

	base := t.TempDir()
	content := fmt.Sprintf(`[paths]
data_dir = %q
temp_dir = %q
error_dir = %q
log_dir = %q
api_bind = %q
api_token = %q
`,
		filepath.Join(base, "data"),
		filepath.Join(base, "tmp"),
		filepath.Join(base, "errors"),
		filepath.Join(base, "logs"),
		apiBind,
		apiToken,
	)

	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConvertCommandPostsEpisode(t *testing.T) {
	var got convertRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/convert" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(convertResponse{
			FileURL:    "http://files.local/doc1/output.pdf",
			EndConvert: true,
		})
	}))
	defer srv.Close()

	cfgPath := writeCLIConfig(t, srv.Listener.Addr().String(), "shelf-token")
	out, err := runCLI(t,
		"--config", cfgPath,
		"convert", "doc1",
		"--url", "http://origin.local/report.docx",
		"--to", "pdf",
	)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	if auth != "Bearer shelf-token" {
		t.Fatalf("authorization header = %q", auth)
	}
	if got.Key != "doc1" || got.URL != "http://origin.local/report.docx" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.FileType != "docx" {
		t.Fatalf("source type not inferred from URL, got %q", got.FileType)
	}
	if got.OutputType != "pdf" {
		t.Fatalf("output type = %q", got.OutputType)
	}
	if !strings.Contains(out, "http://files.local/doc1/output.pdf") {
		t.Fatalf("result URL missing from output: %q", out)
	}
}

func TestConvertCommandReportsDaemonError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(convertResponse{EndConvert: true, Error: -87})
	}))
	defer srv.Close()

	cfgPath := writeCLIConfig(t, srv.Listener.Addr().String(), "")
	_, err := runCLI(t,
		"--config", cfgPath,
		"convert", "doc1",
		"--url", "http://origin.local/locked.docx",
		"--to", "pdf",
	)
	if err == nil {
		t.Fatal("expected an error for a failed conversion")
	}
	if !strings.Contains(err.Error(), "-87") {
		t.Fatalf("error should carry the daemon code: %v", err)
	}
}

func TestConvertCommandRequiresSource(t *testing.T) {
	cfgPath := writeCLIConfig(t, "127.0.0.1:1", "")
	_, err := runCLI(t, "--config", cfgPath, "convert", "doc1", "--to", "pdf")
	if err == nil || !strings.Contains(err.Error(), "--url or --file") {
		t.Fatalf("expected missing-source error, got %v", err)
	}
}

func TestBuilderCommandSendsScript(t *testing.T) {
	script := filepath.Join(t.TempDir(), "report.docbuilder")
	if err := os.WriteFile(script, []byte(`builder.CreateFile("docx")`), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	var got convertRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/builder" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(convertResponse{Key: "job1_123"})
	}))
	defer srv.Close()

	cfgPath := writeCLIConfig(t, srv.Listener.Addr().String(), "")
	out, err := runCLI(t,
		"--config", cfgPath,
		"builder", "job1",
		"--file", script,
		"--async",
	)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}

	if got.Data != `builder.CreateFile("docx")` {
		t.Fatalf("script body not sent inline: %q", got.Data)
	}
	if got.FileType != "docbuilder" {
		t.Fatalf("source type not inferred from file, got %q", got.FileType)
	}
	if !got.Async {
		t.Fatal("async flag not forwarded")
	}
	if !strings.Contains(out, "job1_123") {
		t.Fatalf("episode key missing from output: %q", out)
	}
}

func TestHealthcheckCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthcheck" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	cfgPath := writeCLIConfig(t, srv.Listener.Addr().String(), "")
	out, err := runCLI(t, "--config", cfgPath, "healthcheck")
	if err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	if strings.TrimSpace(out) != "true" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStatusCommandRendersSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	cfgPath := writeCLIConfig(t, srv.Listener.Addr().String(), "")
	out, err := runCLI(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Running", "Healthy", "API bind", "Result store"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommandReportsUnreachableDaemon(t *testing.T) {
	// Port 1 is never listening.
	cfgPath := writeCLIConfig(t, "127.0.0.1:1", "")
	out, err := runCLI(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status should degrade, not fail: %v", err)
	}
	if !strings.Contains(out, "Not reachable") {
		t.Fatalf("expected unreachable warning:\n%s", out)
	}
}

func TestConfigInitCommand(t *testing.T) {
	target := filepath.Join(t.TempDir(), "papermill", "config.toml")
	out, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, statErr := os.Stat(target); statErr != nil {
		t.Fatalf("sample config not written: %v", statErr)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("output should name the target path: %q", out)
	}

	// Refuses to clobber without --overwrite.
	if _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when target exists")
	}
}

func TestAPIBaseURL(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:8582", "http://127.0.0.1:8582"},
		{":8582", "http://127.0.0.1:8582"},
		{"0.0.0.0:8582", "http://127.0.0.1:8582"},
		{"http://converter.internal:8582/", "http://converter.internal:8582"},
		{"docs.example.com:443", "http://docs.example.com:443"},
	}
	for _, tc := range cases {
		got, err := apiBaseURL(tc.addr)
		if err != nil {
			t.Fatalf("apiBaseURL(%q): %v", tc.addr, err)
		}
		if got != tc.want {
			t.Errorf("apiBaseURL(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}

	if _, err := apiBaseURL("  "); err == nil {
		t.Fatal("expected error for empty address")
	}
}
