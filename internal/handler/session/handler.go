package session

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wrenfield/sage/backend/internal/model/chat"
	"github.com/wrenfield/sage/backend/internal/service/assistant"
	"github.com/wrenfield/sage/backend/internal/storage"
	"github.com/wrenfield/sage/backend/pkg/utils"
)

// Handler exposes the session operations over HTTP. All session state is
// reached through the registry so turns and eviction stay coordinated.
type Handler struct {
	registry   *assistant.Registry
	storageDir string
}

// New creates the session handler.
func New(registry *assistant.Registry, storageDir string) *Handler {
	return &Handler{registry: registry, storageDir: storageDir}
}

// RegisterRoutes mounts the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/list", h.handleListSessions)
	r.Get("/session/{sessionID}", h.handleSessionInfo)
	r.Post("/message", h.handleMessage)
	r.Get("/conversation/{sessionID}", h.handleGetConversation)
	r.Delete("/conversation/{sessionID}", h.handleClearConversation)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.registry.Create(r.Context())
	if err != nil {
		log.Printf("[handler] create session failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]string{"sessionId": sessionID})
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if payload.Message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	// First message to an unseen identifier creates the session implicitly.
	reply, err := h.registry.ProcessMessage(r.Context(), payload.SessionID, payload.Message)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidSession) {
			utils.RespondError(w, http.StatusBadRequest, "invalid sessionId")
			return
		}
		log.Printf("[handler] message for session %s failed: %v", payload.SessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to open session")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"response": reply})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			utils.RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := h.registry.Conversation(sessionID, limit)
	if err != nil {
		h.respondSessionError(w, sessionID, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	info, err := h.registry.Info(sessionID)
	if err != nil {
		h.respondSessionError(w, sessionID, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, info)
}

func (h *Handler) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.registry.ClearConversation(sessionID); err != nil {
		if errors.Is(err, assistant.ErrUnknownSession) || errors.Is(err, assistant.ErrInvalidSession) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Printf("[handler] clear session %s failed: %v", sessionID, err)
		utils.RespondJSON(w, http.StatusInternalServerError, map[string]bool{"success": false})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := storage.ListSessions(h.storageDir)
	if err != nil {
		log.Printf("[handler] list sessions failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string][]string{"sessions": sessions})
}

// respondSessionError maps registry errors for read operations. Unknown
// identifiers are rejected rather than silently created.
func (h *Handler) respondSessionError(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, assistant.ErrUnknownSession) || errors.Is(err, assistant.ErrInvalidSession) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	log.Printf("[handler] session %s failed: %v", sessionID, err)
	utils.RespondError(w, http.StatusInternalServerError, "failed to open session")
}
