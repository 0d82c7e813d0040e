package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wrenfield/sage/backend/internal/model/chat"
	"github.com/wrenfield/sage/backend/internal/storage"
)

var (
	// ErrUnknownSession reports an identifier with no active entry and no
	// durable transcript.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidSession reports an identifier with no filesystem-safe
	// characters left after sanitization.
	ErrInvalidSession = errors.New("invalid session identifier")
)

// RegistryConfig wires the registry's dependencies and bounds.
type RegistryConfig struct {
	StorageDir   string
	StorageOpts  storage.Options
	ModelTimeout time.Duration
	MaxActive    int
	IdleTTL      time.Duration
}

// Registry is the process-wide map from session identifier to assistant.
// It decides which sessions are active in this process; durable storage
// decides which conversations ever happened. The registry is bounded:
// idle entries expire and the map is LRU-capped, so long-running
// deployments do not grow without limit. Eviction never touches the
// durable transcript.
//
// All session operations go through the registry, which pins the entry
// for the duration of the call. Eviction skips pinned entries, so one
// session identifier never has two live assistants writing the same
// transcript file.
type Registry struct {
	capability TextCapability
	search     Searcher
	cfg        RegistryConfig

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	assistant *Assistant
	lastUsed  time.Time
	pins      int
	dropped   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(capability TextCapability, search Searcher, cfg RegistryConfig) *Registry {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 256
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Registry{
		capability: capability,
		search:     search,
		cfg:        cfg,
		entries:    make(map[string]*registryEntry),
	}
}

// Create mints a fresh session identifier and registers an assistant for
// it.
func (r *Registry) Create(_ context.Context) (string, error) {
	sessionID := uuid.NewString()
	entry, err := r.acquire(sessionID, true)
	if err != nil {
		return "", err
	}
	r.release(sessionID, entry)
	return sessionID, nil
}

// ProcessMessage runs one turn for the session, creating it (and
// rebuilding state from durable storage) on first reference. The entry
// stays pinned for the whole turn, append-and-persist included.
func (r *Registry) ProcessMessage(ctx context.Context, sessionID, userText string) (string, error) {
	entry, err := r.acquire(sessionID, true)
	if err != nil {
		return "", err
	}
	defer r.release(sessionID, entry)
	return entry.assistant.ProcessMessage(ctx, userText), nil
}

// Conversation returns the transcript of a known session; a positive
// limit keeps only the most recent messages.
func (r *Registry) Conversation(sessionID string, limit int) ([]chat.Message, error) {
	entry, err := r.acquire(sessionID, false)
	if err != nil {
		return nil, err
	}
	defer r.release(sessionID, entry)
	return entry.assistant.Conversation(limit), nil
}

// Info summarizes a known session.
func (r *Registry) Info(sessionID string) (chat.SessionInfo, error) {
	entry, err := r.acquire(sessionID, false)
	if err != nil {
		return chat.SessionInfo{}, err
	}
	defer r.release(sessionID, entry)
	return entry.assistant.Info(), nil
}

// ClearConversation resets a known session's transcript and drops its
// registry entry so the next access rebuilds from durable storage.
func (r *Registry) ClearConversation(sessionID string) error {
	entry, err := r.acquire(sessionID, false)
	if err != nil {
		return err
	}

	clearErr := entry.assistant.Clear()
	r.release(sessionID, entry)
	if clearErr != nil {
		return clearErr
	}

	r.Drop(sessionID)
	return nil
}

// Drop removes a session from the registry. An entry serving an
// in-flight call is removed once the call completes, never while a
// writer still holds it.
func (r *Registry) Drop(sessionID string) {
	sid := storage.SanitizeID(sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sid]
	if !ok {
		return
	}
	if entry.pins > 0 {
		entry.dropped = true
		return
	}
	delete(r.entries, sid)
}

// Active returns the number of sessions currently held in this process.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// acquire returns the pinned entry for an identifier, creating it when
// allowed. Identifiers are canonicalized through the same sanitization
// the store applies to filenames, so every spelling that maps to one
// backing file shares one assistant.
func (r *Registry) acquire(sessionID string, createIfMissing bool) (*registryEntry, error) {
	sid := storage.SanitizeID(sessionID)
	if sid == "" {
		return nil, ErrInvalidSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.pruneLocked(now)

	if entry, ok := r.entries[sid]; ok {
		entry.lastUsed = now
		entry.pins++
		entry.dropped = false
		return entry, nil
	}

	if !createIfMissing {
		if _, err := os.Stat(storage.FilePath(r.cfg.StorageDir, sid)); err != nil {
			return nil, ErrUnknownSession
		}
	}

	store, err := storage.Open(r.cfg.StorageDir, sid, r.cfg.StorageOpts)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sid, err)
	}

	entry := &registryEntry{
		assistant: New(sid, store, r.capability, r.search, r.cfg.ModelTimeout),
		lastUsed:  now,
		pins:      1,
	}
	r.entries[sid] = entry
	r.enforceCapLocked()
	return entry, nil
}

func (r *Registry) release(sessionID string, entry *registryEntry) {
	sid := storage.SanitizeID(sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry.pins--
	entry.lastUsed = time.Now()
	if entry.dropped && entry.pins == 0 {
		if cur, ok := r.entries[sid]; ok && cur == entry {
			delete(r.entries, sid)
		}
	}
}

func (r *Registry) pruneLocked(now time.Time) {
	for id, entry := range r.entries {
		if entry.pins > 0 {
			continue
		}
		if now.Sub(entry.lastUsed) > r.cfg.IdleTTL {
			log.Printf("[registry] evicting idle session %s", id)
			delete(r.entries, id)
		}
	}
}

func (r *Registry) enforceCapLocked() {
	for len(r.entries) > r.cfg.MaxActive {
		oldestID := ""
		var oldest time.Time
		for id, entry := range r.entries {
			if entry.pins > 0 {
				continue
			}
			if oldestID == "" || entry.lastUsed.Before(oldest) {
				oldestID = id
				oldest = entry.lastUsed
			}
		}
		if oldestID == "" {
			// Every entry is serving a call; the cap is enforced on the
			// next access instead of evicting a live writer.
			return
		}
		log.Printf("[registry] evicting least-recently-used session %s", oldestID)
		delete(r.entries, oldestID)
	}
}
