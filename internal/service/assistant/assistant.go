package assistant

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/wrenfield/sage/backend/internal/model/chat"
	"github.com/wrenfield/sage/backend/internal/model/lookup"
	"github.com/wrenfield/sage/backend/internal/storage"
)

// TextCapability is the opaque external text service the pipeline runs
// against: lookup decision, reply generation, conversation naming.
type TextCapability interface {
	DecideLookup(ctx context.Context, history, query string) (bool, error)
	GenerateReply(ctx context.Context, history, query, lookupInfo string) (string, error)
	NameConversation(ctx context.Context, userMessage, assistantReply string) (string, error)
}

// Searcher aggregates external lookup providers. Search never fails.
type Searcher interface {
	Search(ctx context.Context, query string) []lookup.Result
}

const (
	// fallbackReply is what the user sees when the turn cannot produce a
	// real answer. ProcessMessage never surfaces internal errors.
	fallbackReply = "I'm sorry, I encountered an issue processing your message. Please try again."

	// noLookupInfo tells the reply chain explicitly that no lookup ran.
	noLookupInfo = "No lookup was performed as it wasn't necessary for this query."
)

// Assistant runs the per-turn pipeline for one session. It is safe for
// concurrent use: a single mutex serializes turns, including the
// append-and-persist step.
type Assistant struct {
	sessionID    string
	capability   TextCapability
	search       Searcher // nil when no providers are configured
	store        *storage.SessionStore
	modelTimeout time.Duration

	mu               sync.Mutex
	conversationName string
}

// New binds an assistant to a session store and its external capabilities.
func New(sessionID string, store *storage.SessionStore, capability TextCapability, search Searcher, modelTimeout time.Duration) *Assistant {
	if modelTimeout <= 0 {
		modelTimeout = 60 * time.Second
	}
	return &Assistant{
		sessionID:    sessionID,
		capability:   capability,
		search:       search,
		store:        store,
		modelTimeout: modelTimeout,
	}
}

// SessionID returns the session this assistant serves.
func (a *Assistant) SessionID() string {
	return a.sessionID
}

// turn is the state of one processed message. Each stage takes the turn
// value and returns an updated one; nothing outside ProcessMessage
// aliases it.
type turn struct {
	query       string
	history     string
	needsLookup bool
	results     []lookup.Result
	lookupInfo  string
	reply       string
	failed      bool
}

// ProcessMessage runs the pipeline for one user message and returns the
// reply text. It never returns an error: every failure resolves to the
// fallback reply, and the turn is persisted either way so transcripts
// always alternate user/assistant.
func (a *Assistant) ProcessMessage(ctx context.Context, userText string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := turn{query: userText, lookupInfo: noLookupInfo}
	t.history = renderHistory(a.store.Messages(0))
	t = a.decideLookup(ctx, t)
	t = a.runLookup(ctx, t)
	t = a.generateReply(ctx, t)

	// Persistence is best-effort per turn: a failed write is logged but
	// never withholds the reply from the caller.
	if err := a.store.Append(chat.RoleUser, t.query); err != nil {
		log.Printf("[assistant] session %s: persist user message failed: %v", a.sessionID, err)
	}
	if err := a.store.Append(chat.RoleAssistant, t.reply); err != nil {
		log.Printf("[assistant] session %s: persist assistant message failed: %v", a.sessionID, err)
	}

	a.maybeNameConversation(ctx, t)

	return t.reply
}

func (a *Assistant) decideLookup(ctx context.Context, t turn) turn {
	callCtx, cancel := context.WithTimeout(ctx, a.modelTimeout)
	defer cancel()

	needed, err := a.capability.DecideLookup(callCtx, t.history, t.query)
	if err != nil {
		// Fail closed: a broken decision capability means no lookup, so a
		// degraded turn stays bounded in latency and cost.
		log.Printf("[assistant] session %s: lookup decision failed, skipping lookup: %v", a.sessionID, err)
		t.needsLookup = false
		return t
	}
	t.needsLookup = needed
	return t
}

func (a *Assistant) runLookup(ctx context.Context, t turn) turn {
	if !t.needsLookup || a.search == nil {
		return t
	}

	log.Printf("[assistant] session %s: performing lookup for query", a.sessionID)
	t.results = a.search.Search(ctx, t.query)
	if len(t.results) == 0 {
		// An empty result set is not an error; the reply chain is told no
		// lookup happened.
		return t
	}
	t.lookupInfo = formatResults(t.results)
	return t
}

func (a *Assistant) generateReply(ctx context.Context, t turn) turn {
	callCtx, cancel := context.WithTimeout(ctx, a.modelTimeout)
	defer cancel()

	reply, err := a.capability.GenerateReply(callCtx, t.history, t.query, t.lookupInfo)
	if err != nil {
		log.Printf("[assistant] session %s: reply generation failed: %v", a.sessionID, err)
		t.reply = fallbackReply
		t.failed = true
		return t
	}
	t.reply = reply
	return t
}

// maybeNameConversation asks for a short title after the first completed
// exchange. Failures are silently ignored.
func (a *Assistant) maybeNameConversation(ctx context.Context, t turn) {
	if a.conversationName != "" || t.failed || a.store.MessageCount() != 2 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, a.modelTimeout)
	defer cancel()

	name, err := a.capability.NameConversation(callCtx, t.query, t.reply)
	if err != nil || name == "" {
		return
	}
	a.conversationName = name
}

// Conversation returns the transcript; a positive limit keeps only the
// most recent messages.
func (a *Assistant) Conversation(limit int) []chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Messages(limit)
}

// Info summarizes the session, including the conversation name when one
// has been assigned.
func (a *Assistant) Info() chat.SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := a.store.Info()
	info.ConversationName = a.conversationName
	return info
}

// Clear resets the transcript, in memory and on disk.
func (a *Assistant) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationName = ""
	return a.store.Clear()
}

// renderHistory formats prior messages as "<Role>: <content>" blocks
// separated by blank lines.
func renderHistory(messages []chat.Message) string {
	if len(messages) == 0 {
		return ""
	}

	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		role := "User"
		if msg.Role == chat.RoleAssistant {
			role = "Assistant"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", role, msg.Content))
	}
	return strings.Join(parts, "\n\n")
}

// formatResults renders lookup results for the reply prompt.
func formatResults(results []lookup.Result) string {
	var b strings.Builder
	b.WriteString("Lookup Results:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "Source %d: %s\n", i+1, r.Title)
		fmt.Fprintf(&b, "Content: %s\n", r.Content)
		if r.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", r.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}
