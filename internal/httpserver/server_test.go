package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/sandrunner/sandrunner/internal/apikey"
	"github.com/sandrunner/sandrunner/internal/dispatcher"
	"github.com/sandrunner/sandrunner/internal/kvstore"
	"github.com/sandrunner/sandrunner/internal/metrics"
	"github.com/sandrunner/sandrunner/internal/podfactory"
	"github.com/sandrunner/sandrunner/internal/pool"
	"github.com/sandrunner/sandrunner/internal/sessionfiles"
)

const testEnvKey = "sk-test-env-key-0123456789"

type fakePoolManager struct{}

func (fakePoolManager) Acquire(ctx context.Context, lang, sessionID string) (*pool.Handle, pool.ContainerSource, error) {
	return &pool.Handle{
		Handle: &podfactory.Handle{Name: "sandrunner-py-test", PodIP: "127.0.0.1"},
		Status: pool.StatusExecuting,
	}, pool.SourcePoolHit, nil
}

func (fakePoolManager) Release(ctx context.Context, lang string, h *pool.Handle, destroy bool) {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T, sidecar *httptest.Server) *Server {
	t.Helper()
	kv := kvstore.NewFake()
	logger := discardLogger()
	keys := apikey.NewService(kv, []string{testEnvKey}, true, logger)
	metricsSink := metrics.New(kv, logger)

	d := dispatcher.New(fakePoolManager{}, metricsSink, sidecarPort(t, sidecar), 1024*1024, logger)
	poolMgr := pool.NewManager(nil, pool.ManagerConfig{Enabled: false}, metricsSink, logger)

	return NewServer(Config{
		KV:             kv,
		APIKeys:        keys,
		Dispatcher:     d,
		Pools:          poolMgr,
		MetricsSink:    metricsSink,
		Sessions:       sessionfiles.New(0),
		Logger:         logger,
		MasterKey:      "master-secret",
		MaxUploadBytes: 1024 * 1024,
	})
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

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	srv := testServer(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", rr.Code)
	}
}

func TestExecRequiresAuthentication(t *testing.T) {
	srv := testServer(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(`{"code":"print(1)","language":"py"}`))
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("POST /exec without key status = %d, want 401", rr.Code)
	}
}

func TestExecRoundTripWithValidKey(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"exit_code":         0,
			"stdout":            "hi\n",
			"execution_time_ms": 5,
		})
	}))
	defer sidecar.Close()

	srv := testServer(t, sidecar)

	body := `{"code":"print('hi')","language":"py"}`
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(body))
	req.Header.Set("x-api-key", testEnvKey)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("POST /exec status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp execResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != dispatcher.StatusCompleted || resp.Stdout != "hi\n" {
		t.Fatalf("exec response = %+v, want completed hi", resp)
	}
}

func TestAdminStatsRequiresMasterKey(t *testing.T) {
	srv := testServer(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("GET /admin/stats without master key status = %d, want 401", rr.Code)
	}

	rr2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("x-admin-key", "master-secret")
	srv.ServeHTTP(rr2, req)
	if rr2.Code != http.StatusOK {
		t.Fatalf("GET /admin/stats with master key status = %d", rr2.Code)
	}
}

func TestUploadListRoundTrip(t *testing.T) {
	srv := testServer(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	var buf strings.Builder
	buf.WriteString("--boundary\r\nContent-Disposition: form-data; name=\"file\"; filename=\"a.txt\"\r\nContent-Type: text/plain\r\n\r\nhello\r\n--boundary--\r\n")
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(buf.String()))
	req.Header.Set("x-api-key", testEnvKey)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=boundary")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /upload status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var uploadResp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &uploadResp); err != nil {
		t.Fatalf("decoding upload response: %v", err)
	}
	sessionID, _ := uploadResp["session_id"].(string)
	if sessionID == "" {
		t.Fatal("upload response missing session_id")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/files/"+sessionID, nil)
	listReq.Header.Set("x-api-key", testEnvKey)
	listRR := httptest.NewRecorder()
	srv.ServeHTTP(listRR, listReq)
	if listRR.Code != http.StatusOK || !strings.Contains(listRR.Body.String(), "a.txt") {
		t.Fatalf("GET /files/%s = %d %s", sessionID, listRR.Code, listRR.Body.String())
	}
}
