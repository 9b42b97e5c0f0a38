package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandrunner/sandrunner/internal/language"
	"github.com/sandrunner/sandrunner/internal/pool"
)

// executeGrace is added to the request timeout before the dispatcher gives
// up waiting on the sidecar, per spec's "timeout_s + grace (5-10s)".
const executeGrace = 7 * time.Second

const activeExecutionTTL = 24 * time.Hour

// PoolManager is the subset of pool.Manager the dispatcher depends on.
type PoolManager interface {
	Acquire(ctx context.Context, lang, sessionID string) (*pool.Handle, pool.ContainerSource, error)
	Release(ctx context.Context, lang string, h *pool.Handle, destroy bool)
}

// Dispatcher translates execution requests into sidecar HTTP calls.
type Dispatcher struct {
	pools       PoolManager
	metrics     MetricsSink
	logger      *slog.Logger
	sidecarPort int
	httpClient  *http.Client
	maxFileSize int64

	mu     sync.Mutex
	active map[string]*activeExecution
}

// New creates a Dispatcher.
func New(pools PoolManager, metrics MetricsSink, sidecarPort int, maxFileSizeBytes int64, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pools:       pools,
		metrics:     metrics,
		logger:      logger,
		sidecarPort: sidecarPort,
		httpClient:  &http.Client{},
		maxFileSize: maxFileSizeBytes,
		active:      make(map[string]*activeExecution),
	}
}

// Execute runs the eleven-step dispatch algorithm: acquire a pod, upload
// any files, POST the code, parse the reply into a Result, release the
// pod, and record a metric — never returning an error to the caller.
// apiKeyHash identifies the caller's credential for per-key metrics; it is
// empty for unauthenticated/exempt callers.
func (d *Dispatcher) Execute(ctx context.Context, sessionID, apiKeyHash string, req Request) *Result {
	executionID := uuid.NewString()
	startedAt := time.Now()

	d.trackPending(executionID, startedAt)

	if _, ok := language.Lookup(req.Language); !ok {
		result := &Result{ExecutionID: executionID, Status: StatusFailed, ExitCode: 1, Stderr: "Unsupported language"}
		d.finish(executionID, result)
		return result
	}

	handle, source, err := d.pools.Acquire(ctx, req.Language, sessionID)
	if err != nil || handle == nil {
		result := &Result{ExecutionID: executionID, Status: StatusFailed, ExitCode: 1, Stderr: "No pod available", ContainerSource: string(pool.SourcePoolMiss)}
		d.finish(executionID, result)
		return result
	}

	for _, f := range req.Files {
		if err := d.uploadFile(ctx, handle.PodIP, f); err != nil {
			d.logger.Warn("uploading file to sidecar", "execution_id", executionID, "filename", f.Filename, "err", err)
		}
	}

	timeoutS := req.TimeoutS
	if timeoutS <= 0 {
		timeoutS = 30
	}

	result := d.callSidecar(ctx, handle.PodIP, executionID, timeoutS, req)
	result.FilesProduced = filterUploadedFiles(result.FilesProduced, req.Files)
	result.FilesProduced = d.validateProducedFiles(executionID, result.FilesProduced)
	result.Stdout = sanitizeOutput(result.Stdout)
	result.Stderr = sanitizeOutput(result.Stderr)
	result.ContainerSource = string(source)
	result.ExecutionTimeMs = max(result.ExecutionTimeMs, time.Since(startedAt).Milliseconds())

	d.pools.Release(ctx, req.Language, handle, true)
	d.finish(executionID, result)

	if d.metrics != nil {
		d.metrics.RecordExecution(ExecutionMetric{
			ExecutionID:     executionID,
			Timestamp:       startedAt,
			APIKeyHash:      apiKeyHash,
			Language:        req.Language,
			Status:          result.Status,
			ExecutionTimeMs: result.ExecutionTimeMs,
			MemoryPeakMB:    result.MemoryPeakMB,
			ExitCode:        result.ExitCode,
			FilesUploaded:   len(req.Files),
			FilesGenerated:  len(result.FilesProduced),
			ContainerSource: result.ContainerSource,
		})
	}

	return result
}

func (d *Dispatcher) callSidecar(ctx context.Context, podIP, executionID string, timeoutS int, req Request) *Result {
	payload := sidecarExecuteRequest{
		Code:         req.Code,
		TimeoutS:     timeoutS,
		WorkingDir:   "/workspace",
		InitialState: req.InitialState,
		CaptureState: req.CaptureState,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &Result{ExecutionID: executionID, Status: StatusFailed, ExitCode: 1, Stderr: "Execution error: " + err.Error()}
	}

	url := fmt.Sprintf("http://%s:%d/execute", podIP, d.sidecarPort)
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second+executeGrace)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Result{ExecutionID: executionID, Status: StatusFailed, ExitCode: 1, Stderr: "Execution error: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if callCtx.Err() == context.DeadlineExceeded || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &Result{
				ExecutionID: executionID,
				Status:      StatusTimeout,
				ExitCode:    124,
				Stderr:      fmt.Sprintf("timed out after %d seconds", timeoutS),
			}
		}
		return &Result{ExecutionID: executionID, Status: StatusFailed, ExitCode: 1, Stderr: "Execution error: " + err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return &Result{ExecutionID: executionID, Status: StatusFailed, ExitCode: 1, Stderr: "Sidecar error: " + string(respBody)}
	}

	var sidecarResp sidecarExecuteResponse
	if err := json.Unmarshal(respBody, &sidecarResp); err != nil {
		return &Result{ExecutionID: executionID, Status: StatusFailed, ExitCode: 1, Stderr: "Execution error: invalid sidecar response"}
	}

	result := &Result{
		ExecutionID:     executionID,
		ExitCode:        sidecarResp.ExitCode,
		Stdout:          sidecarResp.Stdout,
		Stderr:          sidecarResp.Stderr,
		ExecutionTimeMs: sidecarResp.ExecutionTimeMs,
		MemoryPeakMB:    sidecarResp.MemoryPeakMB,
		State:           sidecarResp.State,
		StateErrors:     sidecarResp.StateErrors,
		FilesProduced:   sidecarResp.FilesProduced,
	}
	result.Status = deriveStatus(result.ExitCode)
	return result
}

// deriveStatus maps an exit code to a Status: 124 is always TIMEOUT, 0 is
// always COMPLETED, anything else is FAILED. Stderr phrases like "out of
// memory" are preserved verbatim but never change this derivation.
func deriveStatus(exitCode int) Status {
	switch exitCode {
	case 124:
		return StatusTimeout
	case 0:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// validateProducedFiles drops any generated file that fails size/`..`/
// extension checks against d.maxFileSize, filling in an inferred MIME type
// for entries the sidecar left blank.
func (d *Dispatcher) validateProducedFiles(executionID string, files []FileOutput) []FileOutput {
	out := make([]FileOutput, 0, len(files))
	for _, f := range files {
		mimeType, ok, reason := ValidateGeneratedFile(f.Filename, f.Size, d.maxFileSize)
		if !ok {
			d.logger.Warn("dropping generated file", "execution_id", executionID, "filename", f.Filename, "reason", reason)
			continue
		}
		if f.MimeType == "" {
			f.MimeType = mimeType
		}
		out = append(out, f)
	}
	return out
}

func (d *Dispatcher) uploadFile(ctx context.Context, podIP string, f FileInput) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", f.Filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(f.Bytes); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/files", podIP, d.sidecarPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar file upload returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) trackPending(executionID string, startedAt time.Time) {
	d.mu.Lock()
	d.active[executionID] = &activeExecution{id: executionID, startedAt: startedAt}
	d.mu.Unlock()
}

func (d *Dispatcher) finish(executionID string, result *Result) {
	d.mu.Lock()
	if entry, ok := d.active[executionID]; ok {
		entry.result = result
	}
	d.mu.Unlock()
}

// SweepExpired removes active-execution entries older than 24h. Intended
// to run on a periodic background tick.
func (d *Dispatcher) SweepExpired() {
	cutoff := time.Now().Add(-activeExecutionTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.active {
		if entry.startedAt.Before(cutoff) {
			delete(d.active, id)
		}
	}
}

