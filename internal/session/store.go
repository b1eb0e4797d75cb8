package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrMissingUserID is returned by Login for a user without an id.
var ErrMissingUserID = errors.New("user id is required")

// User is the logged-in account as reported by the extension.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// State is what the session file holds.
type State struct {
	User        *User  `json:"user,omitempty"`
	CurrentTask string `json:"currentTask,omitempty"`
}

// Store keeps the login and current task on disk. It satisfies
// tracker.Credentials.
type Store struct {
	path string

	mu    sync.RWMutex
	state State
}

// Open loads the session file at path. A missing file is an empty session.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the session file location.
func (s *Store) Path() string { return s.path }

// Reload re-reads the session file.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.state = State{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}

	var st State
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("parsing session file: %w", err)
		}
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

// CurrentUser returns the logged-in user id, or "" when logged out.
func (s *Store) CurrentUser(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.User == nil {
		return "", nil
	}
	return s.state.User.ID, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

// Task returns the declared current task.
func (s *Store) Task() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CurrentTask
}

// Login stores u as the current user.
func (s *Store) Login(u User) error {
	if u.ID == "" {
		return ErrMissingUserID
	}
	return s.update(func(st *State) { st.User = &u })
}

// Logout forgets the current user. The task is kept.
func (s *Store) Logout() error {
	return s.update(func(st *State) { st.User = nil })
}

// SetTask records the task the user is working on.
func (s *Store) SetTask(task string) error {
	return s.update(func(st *State) { st.CurrentTask = task })
}

func (s *Store) update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	fn(&next)
	if err := s.write(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// write marshals st and replaces the file atomically via a temp file +
// os.Rename in the same directory.
func (s *Store) write(st State) (err error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "session-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Watch reloads the session whenever the file changes on disk, so a
// `wisp login` from another process reaches a running host. It blocks
// until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, logger *log.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating session watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: atomic renames replace the file's inode.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching session directory: %w", err)
	}

	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil && logger != nil {
				logger.Printf("session reload failed: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("session watcher error: %v", err)
			}
		}
	}
}
