// Package sessionfiles is the in-memory backing store for the file
// upload/download/state HTTP contract: actual bytes and state blobs live
// only in process memory, namespaced by session ID, with a TTL matching
// the execution session's lifetime. Object storage durability is outside
// this package's scope.
package sessionfiles

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTTL = 30 * time.Minute

// File is one uploaded or produced file within a session.
type File struct {
	ID       string
	Filename string
	Bytes    []byte
	MimeType string
}

type sessionEntry struct {
	files map[string]*File
	state string
	timer *time.Timer
}

// Store holds every active session's files and REPL state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	ttl      time.Duration
}

// New creates an empty Store. ttl of zero uses the default (30 minutes).
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{sessions: make(map[string]*sessionEntry), ttl: ttl}
}

func (s *Store) entry(sessionID string) *sessionEntry {
	e, ok := s.sessions[sessionID]
	if !ok {
		e = &sessionEntry{files: make(map[string]*File)}
		s.sessions[sessionID] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(s.ttl, func() { s.Clear(sessionID) })
	return e
}

// Put stores a file under sessionID, returning its generated file ID.
func (s *Store) Put(sessionID, filename string, bytes []byte, mimeType string) *File {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &File{ID: uuid.NewString(), Filename: filename, Bytes: bytes, MimeType: mimeType}
	s.entry(sessionID).files[f.ID] = f
	return f
}

// List returns every file stored for sessionID, in no particular order.
func (s *Store) List(sessionID string) []*File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*File, 0, len(e.files))
	for _, f := range e.files {
		out = append(out, f)
	}
	return out
}

// Get returns the file with fileID in sessionID, if present.
func (s *Store) Get(sessionID, fileID string) (*File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	f, ok := e.files[fileID]
	return f, ok
}

// Delete removes one file from sessionID.
func (s *Store) Delete(sessionID, fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := e.files[fileID]; !ok {
		return false
	}
	delete(e.files, fileID)
	return true
}

// SetState stores the REPL state blob for sessionID.
func (s *Store) SetState(sessionID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(sessionID).state = state
}

// GetState returns the REPL state blob for sessionID, if any.
func (s *Store) GetState(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok || e.state == "" {
		return "", false
	}
	return e.state, true
}

// Clear drops every file and state blob for sessionID.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sessionID]; ok && e.timer != nil {
		e.timer.Stop()
	}
	delete(s.sessions, sessionID)
}
