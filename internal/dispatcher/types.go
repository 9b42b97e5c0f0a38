// Package dispatcher turns an execution request into an HTTP RPC against
// the sidecar inside a pod borrowed from the pool manager, and produces a
// structured ExecutionResult for every outcome — the happy path and every
// failure mode alike never surface as an error to the caller.
package dispatcher

import "time"

// Status is the outcome bucket a finished execution falls into.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// FileInput is one file uploaded alongside the code to execute.
type FileInput struct {
	Filename string
	Bytes    []byte
}

// FileOutput describes one file the executed program produced.
type FileOutput struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Request is one execution request.
type Request struct {
	Code         string
	Language     string
	TimeoutS     int
	Files        []FileInput
	InitialState string // base64, optional
	CaptureState bool
}

// Result is the outcome of one execution; it is always well-formed, never
// an error returned to the caller.
type Result struct {
	ExecutionID      string     `json:"execution_id"`
	Status           Status     `json:"status"`
	ExitCode         int        `json:"exit_code"`
	Stdout           string     `json:"stdout"`
	Stderr           string     `json:"stderr"`
	ExecutionTimeMs  int64      `json:"execution_time_ms"`
	MemoryPeakMB     *float64   `json:"memory_peak_mb,omitempty"`
	State            string     `json:"state,omitempty"`
	StateErrors      []string   `json:"state_errors,omitempty"`
	FilesProduced    []FileOutput `json:"files_produced,omitempty"`
	ContainerSource  string     `json:"container_source"`
}

// sidecarExecuteRequest is the payload POSTed to the sidecar's /execute.
type sidecarExecuteRequest struct {
	Code         string `json:"code"`
	TimeoutS     int    `json:"timeout_s"`
	WorkingDir   string `json:"working_dir"`
	InitialState string `json:"initial_state,omitempty"`
	CaptureState bool   `json:"capture_state,omitempty"`
}

// sidecarExecuteResponse is the sidecar's /execute reply.
type sidecarExecuteResponse struct {
	ExitCode        int          `json:"exit_code"`
	Stdout          string       `json:"stdout"`
	Stderr          string       `json:"stderr"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	MemoryPeakMB    *float64     `json:"memory_peak_mb,omitempty"`
	State           string       `json:"state,omitempty"`
	StateErrors     []string     `json:"state_errors,omitempty"`
	FilesProduced   []FileOutput `json:"files_produced,omitempty"`
}

// activeExecution is one in-flight or recently finished execution, tracked
// for the active-executions map's 24h TTL sweep.
type activeExecution struct {
	id        string
	startedAt time.Time
	result    *Result
}

// ExecutionMetric is one finished execution, handed to the metrics sink.
type ExecutionMetric struct {
	ExecutionID     string
	Timestamp       time.Time
	APIKeyHash      string
	Language        string
	Status          Status
	ExecutionTimeMs int64
	MemoryPeakMB    *float64
	ExitCode        int
	FilesUploaded   int
	FilesGenerated  int
	ContainerSource string
}

// MetricsSink receives one ExecutionMetric per finished execution.
type MetricsSink interface {
	RecordExecution(ExecutionMetric)
}
