package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sandrunner/sandrunner/internal/authgate"
	"github.com/sandrunner/sandrunner/internal/dispatcher"
)

type execRequest struct {
	Code         string               `json:"code"`
	Language     string               `json:"language"`
	Timeout      int                  `json:"timeout"`
	CaptureState bool                 `json:"capture_state"`
	InitialState string               `json:"initial_state"`
	Files        []execRequestFileRef `json:"files"`
}

type execRequestFileRef struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64
}

type execResponse struct {
	ExecutionID     string                  `json:"execution_id"`
	Status          dispatcher.Status       `json:"status"`
	Stdout          string                  `json:"stdout"`
	Stderr          string                  `json:"stderr"`
	ExitCode        int                     `json:"exit_code"`
	ExecutionTimeMs int64                   `json:"execution_time_ms"`
	MemoryPeakMB    *float64                `json:"memory_peak_mb,omitempty"`
	Outputs         []dispatcher.FileOutput `json:"outputs"`
	State           string                  `json:"state,omitempty"`
}

// handleExec implements POST /exec.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", "malformed request body")
		return
	}
	if req.Code == "" || req.Language == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", "code and language are required")
		return
	}

	files := make([]dispatcher.FileInput, 0, len(req.Files))
	for _, f := range req.Files {
		raw, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_request", "file content must be base64")
			return
		}
		files = append(files, dispatcher.FileInput{Filename: f.Filename, Bytes: raw})
	}

	identity, _ := authgate.FromContext(r.Context())
	apiKeyHash := identity.APIKeyHash
	sessionID := apiKeyHash
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	result := s.dispatcher.Execute(r.Context(), sessionID, apiKeyHash, dispatcher.Request{
		Code:         req.Code,
		Language:     req.Language,
		TimeoutS:     req.Timeout,
		Files:        files,
		InitialState: req.InitialState,
		CaptureState: req.CaptureState,
	})

	writeJSON(w, http.StatusOK, execResponse{
		ExecutionID:     result.ExecutionID,
		Status:          result.Status,
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExitCode:        result.ExitCode,
		ExecutionTimeMs: result.ExecutionTimeMs,
		MemoryPeakMB:    result.MemoryPeakMB,
		Outputs:         result.FilesProduced,
		State:           result.State,
	})
}

type uploadedFileResponse struct {
	Filename string `json:"filename"`
	FileID   string `json:"fileId"`
}

// handleUpload implements POST /upload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var uploaded []uploadedFileResponse
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				continue
			}
			raw, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				continue
			}
			stored := s.sessions.Put(sessionID, fh.Filename, raw, fh.Header.Get("Content-Type"))
			uploaded = append(uploaded, uploadedFileResponse{Filename: stored.Filename, FileID: stored.ID})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"files":      uploaded,
	})
}

// handleListFiles implements GET /files/{session}.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	files := s.sessions.List(session)
	out := make([]uploadedFileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, uploadedFileResponse{Filename: f.Filename, FileID: f.ID})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDownloadFile implements GET /download/{session}/{id}.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	id := chi.URLParam(r, "id")
	f, ok := s.sessions.Get(session, id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	if f.MimeType != "" {
		w.Header().Set("Content-Type", f.MimeType)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+f.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Bytes)
}

// handleDeleteFile implements DELETE /files/{session}/{id}.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	id := chi.URLParam(r, "id")
	if !s.sessions.Delete(session, id) {
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	writeJSON(w, http.StatusOK, true)
}

type stateRequest struct {
	State string `json:"state"`
}

// handleSetState implements POST /state/{session}.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", "malformed request body")
		return
	}
	s.sessions.SetState(session, req.State)
	writeJSON(w, http.StatusOK, true)
}

// handleGetState implements GET /state/{session}.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	state, ok := s.sessions.GetState(session)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"state": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, map[string]string{"error": errCode, "message": message})
}
