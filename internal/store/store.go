// Package store persists named chat sessions to a single JSON file.
//
// The in-memory mapping and the file are reconciled only at explicit load
// and save points. Writes go through a temp file and a rename, so a crash
// mid-save leaves either the old or the new file. One process owns the
// file: concurrent writers are not supported, Watch only reports them.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/RichardoC/llamachat/internal/models"
)

// FormatVersion is written to every saved file.
const FormatVersion = 1

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrCorrupt            = errors.New("session file is corrupt")
	ErrUnsupportedVersion = errors.New("unsupported session file version")
	ErrEmptyName          = errors.New("session name is empty")
)

type fileV1 struct {
	Version  int                       `json:"version"`
	Sessions map[string]models.Session `json:"sessions"`
}

type Store struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]models.Session
	digest   [sha256.Size]byte
	loadErr  error
}

// Open loads the file at path. A missing file yields an empty store; an
// unreadable one yields an empty store whose LoadErr reports why.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("session file path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session file path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{path: abs, logger: logger, sessions: map[string]models.Session{}}
	if _, err := s.LoadAll(); err != nil {
		s.loadErr = err
		logger.Error("failed to load sessions, starting with none",
			zap.Error(err),
			zap.String("path", abs))
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// LoadErr is the error hit by Open, if any.
func (s *Store) LoadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// LoadAll re-reads the file and replaces the in-memory mapping. On error
// the mapping is left untouched.
func (s *Store) LoadAll() (map[string]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.sessions = map[string]models.Session{}
			s.digest = [sha256.Size]byte{}
			return copySessions(s.sessions), nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	sessions, err := decode(data)
	if err != nil {
		return nil, err
	}
	s.sessions = sessions
	s.digest = sha256.Sum256(data)
	s.loadErr = nil
	return copySessions(sessions), nil
}

// SaveAll overwrites the file with sessions.
func (s *Store) SaveAll(sessions map[string]models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(copySessions(sessions))
}

// SaveOne inserts or overwrites a single session and rewrites the file.
func (s *Store) SaveOne(name string, session models.Session) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := copySessions(s.sessions)
	session.Name = name
	session.Turns = append([]models.Turn(nil), session.Turns...)
	next[name] = session
	return s.saveLocked(next)
}

// Delete removes a session and rewrites the file.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[name]; !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}
	next := copySessions(s.sessions)
	delete(next, name)
	return s.saveLocked(next)
}

func (s *Store) Get(name string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[name]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}
	sess.Turns = append([]models.Turn(nil), sess.Turns...)
	return sess, nil
}

// Names returns the stored session names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) saveLocked(sessions map[string]models.Session) error {
	data, err := encode(sessions)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save sessions: %w", err)
	}
	s.sessions = sessions
	s.digest = sha256.Sum256(data)
	s.logger.Debug("saved sessions",
		zap.String("path", s.path),
		zap.Int("count", len(sessions)))
	return nil
}

// ownsContent reports whether data is what the store last read or wrote.
func (s *Store) ownsContent(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sha256.Sum256(data) == s.digest
}

func encode(sessions map[string]models.Session) ([]byte, error) {
	data, err := json.MarshalIndent(fileV1{Version: FormatVersion, Sessions: sessions}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode sessions: %w", err)
	}
	return append(data, '\n'), nil
}

// decode accepts the versioned layout and the older bare name->session
// object.
func decode(data []byte) (map[string]models.Session, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var sessions map[string]models.Session
	rawVersion, versioned := top["version"]
	if versioned && isNumber(rawVersion) {
		var f fileV1
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if f.Version != FormatVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
		}
		sessions = f.Sessions
	} else if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if sessions == nil {
		sessions = map[string]models.Session{}
	}
	for name, sess := range sessions {
		for i, t := range sess.Turns {
			if !t.Role.Valid() {
				return nil, fmt.Errorf("%w: session %q turn %d has role %q", ErrCorrupt, name, i, t.Role)
			}
			if strings.TrimSpace(t.Content) == "" {
				return nil, fmt.Errorf("%w: session %q turn %d is empty", ErrCorrupt, name, i)
			}
		}
		sess.Name = name
		sessions[name] = sess
	}
	return sessions, nil
}

func isNumber(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'))
}

func copySessions(in map[string]models.Session) map[string]models.Session {
	out := make(map[string]models.Session, len(in))
	for name, sess := range in {
		sess.Name = name
		sess.Turns = append([]models.Turn(nil), sess.Turns...)
		out[name] = sess
	}
	return out
}
