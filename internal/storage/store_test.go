package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wrenfield/sage/backend/internal/model/chat"
)

func fastOpts() Options {
	return Options{MaxRetries: 3, RetryBackoff: time.Millisecond}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, "round-trip", fastOpts())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if err := store.Append(chat.RoleUser, "hello"); err != nil {
		t.Fatalf("Append err: %v", err)
	}
	if err := store.Append(chat.RoleAssistant, "hi there"); err != nil {
		t.Fatalf("Append err: %v", err)
	}

	reloaded, err := Open(dir, "round-trip", fastOpts())
	if err != nil {
		t.Fatalf("reopen err: %v", err)
	}

	want := store.Messages(0)
	got := reloaded.Messages(0)
	if len(got) != len(want) {
		t.Fatalf("message count: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Role != want[i].Role {
			t.Fatalf("message %d role: got %s want %s", i, got[i].Role, want[i].Role)
		}
		if got[i].Content != want[i].Content {
			t.Fatalf("message %d content: got %q want %q", i, got[i].Content, want[i].Content)
		}
		if !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Fatalf("message %d timestamp: got %v want %v", i, got[i].Timestamp, want[i].Timestamp)
		}
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	store, err := Open(t.TempDir(), "fresh", fastOpts())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if n := store.MessageCount(); n != 0 {
		t.Fatalf("expected empty transcript, got %d messages", n)
	}
}

func TestCorruptionBackupAndReset(t *testing.T) {
	dir := t.TempDir()
	path := FilePath(dir, "corrupt")
	if err := os.WriteFile(path, []byte("{not json at all"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	store, err := Open(dir, "corrupt", fastOpts())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if n := store.MessageCount(); n != 0 {
		t.Fatalf("expected empty history after corruption, got %d", n)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir err: %v", err)
	}
	backups := 0
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".bak.") {
			backups++
		}
	}
	if backups != 1 {
		t.Fatalf("expected exactly one backup file, found %d", backups)
	}
}

func TestClearLeavesEmptyTranscript(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, "clearable", fastOpts())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if err := store.Append(chat.RoleUser, "keep this?"); err != nil {
		t.Fatalf("Append err: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear err: %v", err)
	}
	if n := store.MessageCount(); n != 0 {
		t.Fatalf("expected 0 messages after clear, got %d", n)
	}

	reloaded, err := Open(dir, "clearable", fastOpts())
	if err != nil {
		t.Fatalf("reopen err: %v", err)
	}
	if n := reloaded.MessageCount(); n != 0 {
		t.Fatalf("expected 0 messages after reload, got %d", n)
	}
}

func TestAppendRetriesOnLockedFile(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, "locked", fastOpts())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}

	probes := 0
	store.probe = func(string) bool {
		probes++
		return true
	}

	err = store.Append(chat.RoleUser, "contended write")
	if err == nil {
		t.Fatal("expected persist failure on a permanently locked file")
	}
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if probes != 3 {
		t.Fatalf("expected 3 lock probes, got %d", probes)
	}
	// The in-memory transcript keeps the message even when the persist fails.
	if n := store.MessageCount(); n != 1 {
		t.Fatalf("expected in-memory message to survive, count = %d", n)
	}
}

func TestAppendRecoversTranscriptAfterFailedLoad(t *testing.T) {
	dir := t.TempDir()

	seed, err := Open(dir, "busy", fastOpts())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if err := seed.Append(chat.RoleUser, "early"); err != nil {
		t.Fatalf("Append err: %v", err)
	}
	if err := seed.Append(chat.RoleAssistant, "reply"); err != nil {
		t.Fatalf("Append err: %v", err)
	}

	// Reopen while another writer holds the file, so the initial load
	// exhausts its retries and starts from an empty in-memory copy.
	locked := true
	store := newStore(dir, "busy", fastOpts(), func(string) bool { return locked })
	store.messages = store.load()
	if n := store.MessageCount(); n != 0 {
		t.Fatalf("expected empty in-memory copy after failed load, got %d", n)
	}

	// While the file stays unreadable, a write must not replace the
	// durable transcript with the empty copy.
	if err := store.Append(chat.RoleUser, "late"); err == nil {
		t.Fatal("expected Append to refuse overwriting an unread transcript")
	}

	locked = false
	if err := store.Append(chat.RoleAssistant, "done"); err != nil {
		t.Fatalf("Append err: %v", err)
	}

	reloaded, err := Open(dir, "busy", fastOpts())
	if err != nil {
		t.Fatalf("reopen err: %v", err)
	}
	got := reloaded.Messages(0)
	want := []string{"early", "reply", "late", "done"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages after recovery, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Content != want[i] {
			t.Fatalf("message %d content = %q, want %q", i, got[i].Content, want[i])
		}
	}
}

func TestListSessionsSkipsTempAndBackups(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"alpha.json",
		"beta.json",
		"beta.json.tmp",
		"gamma.json.bak.1700000000",
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("[]"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	sessions, err := ListSessions(dir)
	if err != nil {
		t.Fatalf("ListSessions err: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %v", sessions)
	}
	found := map[string]bool{}
	for _, id := range sessions {
		found[id] = true
	}
	if !found["alpha"] || !found["beta"] {
		t.Fatalf("unexpected session list: %v", sessions)
	}
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, "info", fastOpts())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}

	info := store.Info()
	if info.MessageCount != 0 || info.StartTime != nil || info.LastUpdate != nil {
		t.Fatalf("empty session info should have nil timestamps: %+v", info)
	}

	if err := store.Append(chat.RoleUser, "first"); err != nil {
		t.Fatalf("Append err: %v", err)
	}
	if err := store.Append(chat.RoleAssistant, "second"); err != nil {
		t.Fatalf("Append err: %v", err)
	}

	info = store.Info()
	if info.SessionID != "info" {
		t.Fatalf("unexpected session id %q", info.SessionID)
	}
	if info.MessageCount != 2 {
		t.Fatalf("expected 2 messages, got %d", info.MessageCount)
	}
	if info.StartTime == nil || info.LastUpdate == nil {
		t.Fatal("expected timestamps for non-empty session")
	}
	if info.LastUpdate.Before(*info.StartTime) {
		t.Fatalf("last update %v before start %v", info.LastUpdate, info.StartTime)
	}
}

func TestSanitizeID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain-id_123", "plain-id_123"},
		{"../../etc/passwd", "etcpasswd"},
		{"id with spaces", "idwithspaces"},
		{"7c9e6679-7425-40de-944b-e07fc1f90ae7", "7c9e6679-7425-40de-944b-e07fc1f90ae7"},
	}
	for _, tc := range cases {
		if got := SanitizeID(tc.in); got != tc.want {
			t.Fatalf("SanitizeID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
