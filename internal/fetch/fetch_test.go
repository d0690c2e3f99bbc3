package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"papermill/internal/config"
	"papermill/internal/fetch"
	"papermill/internal/taskerr"
	"papermill/internal/testsupport"
)

func newTestFetcher(t *testing.T, mutate func(cfg *config.Config)) *fetch.Fetcher {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Fetch.AllowPrivateIP = true
	cfg.Converter.DownloadAttempts = 3
	if mutate != nil {
		mutate(cfg)
	}
	f, err := fetch.New(cfg, nil)
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	return f
}

func TestDownloadWritesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("source document"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	dest := filepath.Join(t.TempDir(), "input.bin")
	if err := f.Download(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "source document" {
		t.Fatalf("downloaded %q", data)
	}
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	dest := filepath.Join(t.TempDir(), "input.bin")
	if err := f.Download(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestDownloadRejectsOversizedContentLength(t *testing.T) {
	var calls atomic.Int32
	payload := make([]byte, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t, func(cfg *config.Config) {
		cfg.Converter.MaxDownloadBytes = 1024
	})
	dest := filepath.Join(t.TempDir(), "input.bin")
	err := f.Download(context.Background(), srv.URL, dest)
	if !errors.Is(err, fetch.ErrSizeLimit) {
		t.Fatalf("Download error = %v, want size limit", err)
	}
	// Size-limit failures must abort the retry loop.
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d calls, want 1", got)
	}
	if fetch.Classify(err) != taskerr.ConvertLimits {
		t.Fatalf("Classify = %v, want ConvertLimits", fetch.Classify(err))
	}
}

func TestDownloadCapsUnsizedStream(t *testing.T) {
	payload := make([]byte, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Flush first so the response streams without a Content-Length.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t, func(cfg *config.Config) {
		cfg.Converter.MaxDownloadBytes = 1024
	})
	dest := filepath.Join(t.TempDir(), "input.bin")
	if err := f.Download(context.Background(), srv.URL, dest); !errors.Is(err, fetch.ErrSizeLimit) {
		t.Fatalf("Download error = %v, want size limit", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("partial download left behind, stat err = %v", err)
	}
}

func TestDownloadDeniesPrivateAddressesByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("unreachable"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, func(cfg *config.Config) {
		cfg.Fetch.AllowPrivateIP = false
	})
	dest := filepath.Join(t.TempDir(), "input.bin")
	err := f.Download(context.Background(), srv.URL, dest)
	if !errors.Is(err, fetch.ErrDeniedAddress) {
		t.Fatalf("Download error = %v, want denied address", err)
	}
}

func TestDownloadHonorsDenyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("unreachable"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, func(cfg *config.Config) {
		cfg.Fetch.DenyList = []string{"127.0.0.0/8"}
	})
	dest := filepath.Join(t.TempDir(), "input.bin")
	if err := f.Download(context.Background(), srv.URL, dest); !errors.Is(err, fetch.ErrDeniedAddress) {
		t.Fatalf("Download error = %v, want denied address", err)
	}
}
