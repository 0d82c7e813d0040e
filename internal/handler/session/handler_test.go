package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wrenfield/sage/backend/internal/model/chat"
	"github.com/wrenfield/sage/backend/internal/service/assistant"
	"github.com/wrenfield/sage/backend/internal/storage"
)

type fakeCapability struct {
	decision bool
	reply    string
}

func (f *fakeCapability) DecideLookup(context.Context, string, string) (bool, error) {
	return f.decision, nil
}

func (f *fakeCapability) GenerateReply(context.Context, string, string, string) (string, error) {
	return f.reply, nil
}

func (f *fakeCapability) NameConversation(context.Context, string, string) (string, error) {
	return "Test conversation", nil
}

func setupRouter(t *testing.T) (*chi.Mux, string) {
	t.Helper()
	dir := t.TempDir()

	registry := assistant.NewRegistry(
		&fakeCapability{decision: false, reply: "2 plus 2 equals 4."},
		nil,
		assistant.RegistryConfig{
			StorageDir:   dir,
			StorageOpts:  storage.Options{MaxRetries: 3, RetryBackoff: time.Millisecond},
			ModelTimeout: time.Second,
		},
	)

	r := chi.NewRouter()
	New(registry, dir).RegisterRoutes(r)
	return r, dir
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
	return out
}

func TestEndToEndTurn(t *testing.T) {
	r, _ := setupRouter(t)

	// New session.
	resp := doJSON(t, r, http.MethodPost, "/session", nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", resp.Code)
	}
	created := decode[map[string]string](t, resp)
	sessionID := created["sessionId"]
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	// Send a message that needs no lookup.
	resp = doJSON(t, r, http.MethodPost, "/message", map[string]string{
		"sessionId": sessionID,
		"message":   "What is 2+2?",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("send message: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	reply := decode[map[string]string](t, resp)
	if reply["response"] != "2 plus 2 equals 4." {
		t.Fatalf("unexpected reply %q", reply["response"])
	}

	// Conversation holds the persisted pair.
	resp = doJSON(t, r, http.MethodGet, "/conversation/"+sessionID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get conversation: expected 200, got %d", resp.Code)
	}
	conversation := decode[map[string][]chat.Message](t, resp)
	messages := conversation["messages"]
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != chat.RoleUser || messages[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}

	// Session info reports the count and the generated name.
	resp = doJSON(t, r, http.MethodGet, "/session/"+sessionID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("session info: expected 200, got %d", resp.Code)
	}
	info := decode[chat.SessionInfo](t, resp)
	if info.MessageCount != 2 {
		t.Fatalf("expected messageCount 2, got %d", info.MessageCount)
	}
	if info.ConversationName != "Test conversation" {
		t.Fatalf("expected conversation name, got %q", info.ConversationName)
	}

	// The session shows up in the listing.
	resp = doJSON(t, r, http.MethodGet, "/session/list", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list sessions: expected 200, got %d", resp.Code)
	}
	listing := decode[map[string][]string](t, resp)
	found := false
	for _, id := range listing["sessions"] {
		if id == sessionID {
			found = true
		}
	}
	if !found {
		t.Fatalf("session %s missing from listing %v", sessionID, listing["sessions"])
	}
}

func TestConversationLimit(t *testing.T) {
	r, _ := setupRouter(t)

	created := decode[map[string]string](t, doJSON(t, r, http.MethodPost, "/session", nil))
	sessionID := created["sessionId"]

	for i := 0; i < 3; i++ {
		doJSON(t, r, http.MethodPost, "/message", map[string]string{
			"sessionId": sessionID,
			"message":   "again",
		})
	}

	resp := doJSON(t, r, http.MethodGet, "/conversation/"+sessionID+"?limit=2", nil)
	conversation := decode[map[string][]chat.Message](t, resp)
	if len(conversation["messages"]) != 2 {
		t.Fatalf("expected limit of 2 messages, got %d", len(conversation["messages"]))
	}

	resp = doJSON(t, r, http.MethodGet, "/conversation/"+sessionID+"?limit=nope", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit: expected 400, got %d", resp.Code)
	}
}

func TestClearConversation(t *testing.T) {
	r, _ := setupRouter(t)

	created := decode[map[string]string](t, doJSON(t, r, http.MethodPost, "/session", nil))
	sessionID := created["sessionId"]

	doJSON(t, r, http.MethodPost, "/message", map[string]string{
		"sessionId": sessionID,
		"message":   "hello",
	})

	resp := doJSON(t, r, http.MethodDelete, "/conversation/"+sessionID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("clear: expected 200, got %d", resp.Code)
	}
	result := decode[map[string]bool](t, resp)
	if !result["success"] {
		t.Fatal("expected clear to succeed")
	}

	// The transcript is durably empty afterwards.
	resp = doJSON(t, r, http.MethodGet, "/conversation/"+sessionID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("conversation after clear: expected 200, got %d", resp.Code)
	}
	conversation := decode[map[string][]chat.Message](t, resp)
	if len(conversation["messages"]) != 0 {
		t.Fatalf("expected empty conversation after clear, got %d messages", len(conversation["messages"]))
	}
}

func TestUnknownSessionIsRejected(t *testing.T) {
	r, _ := setupRouter(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/conversation/ghost"},
		{http.MethodGet, "/session/ghost"},
		{http.MethodDelete, "/conversation/ghost"},
	}
	for _, p := range paths {
		resp := doJSON(t, r, p.method, p.path, nil)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", p.method, p.path, resp.Code)
		}
	}
}

func TestMessageImplicitlyCreatesSession(t *testing.T) {
	r, dir := setupRouter(t)

	resp := doJSON(t, r, http.MethodPost, "/message", map[string]string{
		"sessionId": "brand-new-session",
		"message":   "hi",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected implicit creation, got %d", resp.Code)
	}

	sessions, err := storage.ListSessions(dir)
	if err != nil {
		t.Fatalf("ListSessions err: %v", err)
	}
	if len(sessions) != 1 || sessions[0] != "brand-new-session" {
		t.Fatalf("expected durable transcript for implicit session, got %v", sessions)
	}
}

func TestMessageValidation(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(t, r, http.MethodPost, "/message", map[string]string{"message": "hi"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing sessionId: expected 400, got %d", resp.Code)
	}

	resp = doJSON(t, r, http.MethodPost, "/message", map[string]string{"sessionId": "x"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing message: expected 400, got %d", resp.Code)
	}

	resp = doJSON(t, r, http.MethodPost, "/message", map[string]string{"sessionId": "../..", "message": "hi"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unusable sessionId: expected 400, got %d", resp.Code)
	}
}
