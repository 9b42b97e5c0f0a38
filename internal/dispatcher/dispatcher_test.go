package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sandrunner/sandrunner/internal/pool"
	"github.com/sandrunner/sandrunner/internal/podfactory"
)

type fakePoolManager struct {
	podIP    string
	released bool
}

func (f *fakePoolManager) Acquire(ctx context.Context, lang, sessionID string) (*pool.Handle, pool.ContainerSource, error) {
	return &pool.Handle{
		Handle: &podfactory.Handle{Name: "sandrunner-py-abc", PodIP: f.podIP},
		Status: pool.StatusExecuting,
	}, pool.SourcePoolHit, nil
}

func (f *fakePoolManager) Release(ctx context.Context, lang string, h *pool.Handle, destroy bool) {
	f.released = true
}

type fakeMetrics struct {
	recorded []ExecutionMetric
}

func (f *fakeMetrics) RecordExecution(m ExecutionMetric) {
	f.recorded = append(f.recorded, m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sidecarPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi() error = %v", err)
	}
	return port
}

func TestExecuteCompletedRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(sidecarExecuteResponse{
			ExitCode:        0,
			Stdout:          "hi\n",
			ExecutionTimeMs: 12,
		})
	}))
	defer srv.Close()

	pools := &fakePoolManager{podIP: "127.0.0.1"}
	metrics := &fakeMetrics{}
	d := New(pools, metrics, sidecarPort(t, srv), 10*1024*1024, discardLogger())

	result := d.Execute(context.Background(), "sess-1", "key-hash-1", Request{Code: "print('hi')", Language: "py"})

	if result.Status != StatusCompleted || result.ExitCode != 0 || result.Stdout != "hi\n" {
		t.Fatalf("Execute() = %+v, want completed hi", result)
	}
	if !pools.released {
		t.Fatal("Execute() did not release the pod")
	}
	if len(metrics.recorded) != 1 {
		t.Fatalf("Execute() recorded %d metrics, want 1", len(metrics.recorded))
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	pools := &fakePoolManager{podIP: "127.0.0.1"}
	d := New(pools, &fakeMetrics{}, 8765, 1024, discardLogger())

	result := d.Execute(context.Background(), "sess-1", "key-hash-1", Request{Code: "x", Language: "cobol"})

	if result.Status != StatusFailed || result.Stderr != "Unsupported language" {
		t.Fatalf("Execute() = %+v, want unsupported-language failure", result)
	}
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(sidecarExecuteResponse{ExitCode: 0})
	}))
	defer srv.Close()

	pools := &fakePoolManager{podIP: "127.0.0.1"}
	d := New(pools, &fakeMetrics{}, sidecarPort(t, srv), 1024, discardLogger())
	d.httpClient.Timeout = 10 * time.Millisecond

	result := d.Execute(context.Background(), "sess-1", "key-hash-1", Request{Code: "sleep", Language: "py", TimeoutS: 1})

	if result.Status != StatusTimeout || result.ExitCode != 124 {
		t.Fatalf("Execute() = %+v, want timeout/124", result)
	}
}

func TestExecuteSidecarServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	pools := &fakePoolManager{podIP: "127.0.0.1"}
	d := New(pools, &fakeMetrics{}, sidecarPort(t, srv), 1024, discardLogger())

	result := d.Execute(context.Background(), "sess-1", "key-hash-1", Request{Code: "x", Language: "py"})

	if result.Status != StatusFailed || result.Stderr != "Sidecar error: boom" {
		t.Fatalf("Execute() = %+v, want sidecar error", result)
	}
}

func TestExecuteDropsInvalidGeneratedFilesAndRecordsAPIKeyHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sidecarExecuteResponse{
			ExitCode: 0,
			FilesProduced: []FileOutput{
				{Filename: "result.csv", Size: 10},
				{Filename: "evil.sh", Size: 10},
				{Filename: "../../etc/passwd", Size: 10},
				{Filename: "huge.bin", Size: 1000},
			},
		})
	}))
	defer srv.Close()

	pools := &fakePoolManager{podIP: "127.0.0.1"}
	metrics := &fakeMetrics{}
	d := New(pools, metrics, sidecarPort(t, srv), 100, discardLogger())

	result := d.Execute(context.Background(), "sess-1", "key-hash-1", Request{Code: "x", Language: "py"})

	if len(result.FilesProduced) != 1 || result.FilesProduced[0].Filename != "result.csv" {
		t.Fatalf("Execute() FilesProduced = %+v, want only result.csv", result.FilesProduced)
	}
	if len(metrics.recorded) != 1 || metrics.recorded[0].APIKeyHash != "key-hash-1" {
		t.Fatalf("Execute() recorded metric = %+v, want APIKeyHash=key-hash-1", metrics.recorded)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		exitCode int
		want     Status
	}{
		{0, StatusCompleted},
		{124, StatusTimeout},
		{1, StatusFailed},
		{137, StatusFailed},
	}
	for _, c := range cases {
		if got := deriveStatus(c.exitCode); got != c.want {
			t.Errorf("deriveStatus(%d) = %v, want %v", c.exitCode, got, c.want)
		}
	}
}

func TestSanitizeOutputTruncatesAndStripsControlBytes(t *testing.T) {
	raw := "hello\x00\x01world\n\t"
	got := sanitizeOutput(raw)
	if got != "helloworld\n\t" {
		t.Errorf("sanitizeOutput() = %q, want %q", got, "helloworld\n\t")
	}

	long := make([]byte, maxOutputBytes+100)
	for i := range long {
		long[i] = 'a'
	}
	truncated := sanitizeOutput(string(long))
	if len(truncated) != maxOutputBytes+len(truncationMarker) {
		t.Errorf("sanitizeOutput() length = %d, want %d", len(truncated), maxOutputBytes+len(truncationMarker))
	}
}

func TestValidateGeneratedFile(t *testing.T) {
	if _, ok, _ := ValidateGeneratedFile("../etc/passwd", 10, 1000); ok {
		t.Error("ValidateGeneratedFile() accepted path traversal")
	}
	if _, ok, _ := ValidateGeneratedFile("payload.sh", 10, 1000); ok {
		t.Error("ValidateGeneratedFile() accepted blocked extension")
	}
	if _, ok, _ := ValidateGeneratedFile("big.txt", 2000, 1000); ok {
		t.Error("ValidateGeneratedFile() accepted oversized file")
	}
	mt, ok, _ := ValidateGeneratedFile("output.json", 10, 1000)
	if !ok || mt != "application/json" {
		t.Errorf("ValidateGeneratedFile() = %q, %v, want application/json, true", mt, ok)
	}
}

func TestFilterUploadedFiles(t *testing.T) {
	produced := []FileOutput{{Filename: "input.txt"}, {Filename: "result.csv"}}
	uploaded := []FileInput{{Filename: "input.txt"}}
	got := filterUploadedFiles(produced, uploaded)
	if len(got) != 1 || got[0].Filename != "result.csv" {
		t.Errorf("filterUploadedFiles() = %+v, want only result.csv", got)
	}
}
