package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wrenfield/sage/backend/internal/model/chat"
)

const (
	fileExt   = ".json"
	tmpSuffix = ".tmp"
	bakMarker = ".bak."
)

// ErrLocked reports that the session file stayed exclusively locked by
// another writer for the whole retry budget.
var ErrLocked = errors.New("session file locked by another writer")

// Options tunes the retry policy for contended session files.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	return o
}

// SessionStore keeps one session's transcript in memory and mirrors it to
// a JSON file. Writes go through a temp file and an atomic rename so an
// interrupted process never leaves a half-written transcript behind.
//
// A SessionStore is not safe for concurrent use; callers serialize access
// per session.
type SessionStore struct {
	sessionID string
	path      string
	opts      Options
	messages  []chat.Message

	// loadFailed records that the initial load could not read a transcript
	// that exists on disk. Until a re-read succeeds, persisting would
	// overwrite durable history with the empty in-memory copy.
	loadFailed bool

	// probe decides whether the file is held by another writer; swapped
	// out in tests to simulate contention.
	probe func(path string) bool
}

// Open binds a store to dir/<sanitized-id>.json and loads any existing
// transcript. A missing file yields an empty history; an unreadable one
// is backed up and reset rather than failing the session.
func Open(dir, sessionID string, opts Options) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}

	s := newStore(dir, sessionID, opts, fileLocked)
	s.messages = s.load()
	return s, nil
}

func newStore(dir, sessionID string, opts Options, probe func(path string) bool) *SessionStore {
	return &SessionStore{
		sessionID: sessionID,
		path:      FilePath(dir, sessionID),
		opts:      opts.withDefaults(),
		probe:     probe,
	}
}

// SanitizeID strips everything but alphanumerics, '-' and '_' so the
// session identifier is safe to use as a filename.
func SanitizeID(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FilePath returns the backing file path for a session identifier.
func FilePath(dir, sessionID string) string {
	return filepath.Join(dir, SanitizeID(sessionID)+fileExt)
}

// SessionID returns the identifier this store is bound to.
func (s *SessionStore) SessionID() string {
	return s.sessionID
}

// Path returns the backing file path.
func (s *SessionStore) Path() string {
	return s.path
}

func (s *SessionStore) load() []chat.Message {
	s.loadFailed = false
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}

	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if s.probe(s.path) {
			log.Printf("[storage] session file %s is locked, retry %d/%d", s.path, attempt+1, s.opts.MaxRetries)
			time.Sleep(s.opts.RetryBackoff)
			continue
		}

		data, err := os.ReadFile(s.path)
		if err != nil {
			log.Printf("[storage] read %s failed (attempt %d/%d): %v", s.path, attempt+1, s.opts.MaxRetries, err)
			time.Sleep(s.opts.RetryBackoff)
			continue
		}

		var messages []chat.Message
		if err := json.Unmarshal(data, &messages); err != nil {
			// Malformed content is corruption, not contention: preserve
			// the bytes for inspection and start the history over.
			log.Printf("[storage] transcript %s is corrupted: %v", s.path, err)
			s.backupCorrupted()
			return nil
		}
		return messages
	}

	log.Printf("[storage] giving up loading %s after %d attempts", s.path, s.opts.MaxRetries)
	s.loadFailed = true
	return nil
}

func (s *SessionStore) backupCorrupted() {
	info, err := os.Stat(s.path)
	if err != nil || info.Size() == 0 {
		return
	}

	backup := fmt.Sprintf("%s%s%d", s.path, bakMarker, time.Now().Unix())
	src, err := os.Open(s.path)
	if err != nil {
		log.Printf("[storage] backup of %s failed: %v", s.path, err)
		return
	}
	defer src.Close()

	dst, err := os.Create(backup)
	if err != nil {
		log.Printf("[storage] backup of %s failed: %v", s.path, err)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		log.Printf("[storage] backup of %s failed: %v", s.path, err)
		return
	}
	log.Printf("[storage] corrupted transcript backed up to %s", backup)
}

// Append adds one timestamped message to the in-memory transcript and
// rewrites the backing file. A persist failure is returned but does not
// roll back the in-memory append.
func (s *SessionStore) Append(role, content string) error {
	s.messages = append(s.messages, chat.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return s.persist()
}

// Clear resets the transcript to empty, in memory and on disk. History
// is being discarded on purpose, so an earlier failed load does not hold
// the write back.
func (s *SessionStore) Clear() error {
	s.messages = nil
	s.loadFailed = false
	return s.persist()
}

func (s *SessionStore) persist() error {
	// A transcript that exists but could not be read must be recovered
	// before the first write, or the write would truncate it. Messages
	// appended since then land after the recovered history.
	if s.loadFailed {
		recovered := s.load()
		if s.loadFailed {
			return fmt.Errorf("transcript %s is still unreadable, refusing to overwrite: %w", s.path, ErrLocked)
		}
		s.messages = append(recovered, s.messages...)
	}

	payload := s.messages
	if payload == nil {
		payload = []chat.Message{}
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if s.probe(s.path) {
			log.Printf("[storage] session file %s is locked, retry %d/%d", s.path, attempt+1, s.opts.MaxRetries)
			lastErr = ErrLocked
			time.Sleep(s.opts.RetryBackoff)
			continue
		}

		tmp := s.path + tmpSuffix
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			lastErr = err
			time.Sleep(s.opts.RetryBackoff)
			continue
		}
		if err := os.Rename(tmp, s.path); err != nil {
			lastErr = err
			time.Sleep(s.opts.RetryBackoff)
			continue
		}
		return nil
	}

	return fmt.Errorf("persist transcript %s after %d attempts: %w", s.path, s.opts.MaxRetries, lastErr)
}

// Messages returns a copy of the transcript; a positive limit keeps only
// the most recent messages.
func (s *SessionStore) Messages(limit int) []chat.Message {
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// MessageCount returns the transcript length.
func (s *SessionStore) MessageCount() int {
	return len(s.messages)
}

// Info summarizes the in-memory transcript.
func (s *SessionStore) Info() chat.SessionInfo {
	info := chat.SessionInfo{
		SessionID:    s.sessionID,
		MessageCount: len(s.messages),
	}
	if len(s.messages) > 0 {
		first := s.messages[0].Timestamp
		last := s.messages[len(s.messages)-1].Timestamp
		info.StartTime = &first
		info.LastUpdate = &last
	}
	return info
}

// ListSessions enumerates session identifiers with a transcript under dir,
// skipping temp files and corruption backups. A missing directory is an
// empty listing.
func ListSessions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions in %s: %w", dir, err)
	}

	var sessions []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) || strings.Contains(name, bakMarker) {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, fileExt))
	}
	return sessions, nil
}

// fileLocked probes for an exclusive holder by opening the file for
// append. A permission failure on an existing file means another writer
// holds it; unknown failures are treated as locked to stay safe.
func fileLocked(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		return true
	}
	f.Close()
	return false
}
