package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/wrenfield/sage/backend/internal/config"
)

// Affirmative token for the lookup decision; anything else means no.
const affirmative = "YES"

// Service exposes the external text capability as three compiled chains:
// lookup decision, reply generation, conversation naming. Callers treat
// all three as opaque text-in/text-out operations.
type Service struct {
	decide   compose.Runnable[map[string]any, *schema.Message]
	generate compose.Runnable[map[string]any, *schema.Message]
	name     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the capability service from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	decide, err := compileChain(ctx, chatModel, decisionSystemPrompt, decisionUserPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to compile decision chain: %w", err)
	}

	generate, err := compileChain(ctx, chatModel, replySystemPrompt, replyUserPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reply chain: %w", err)
	}

	name, err := compileChain(ctx, chatModel, nameSystemPrompt, nameUserPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to compile naming chain: %w", err)
	}

	return &Service{
		decide:   decide,
		generate: generate,
		name:     name,
	}, nil
}

func compileChain(ctx context.Context, chatModel model.ChatModel, system, user string) (compose.Runnable[map[string]any, *schema.Message], error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	return chain.Compile(ctx)
}

// DecideLookup asks whether the query needs an external lookup. The answer
// is affirmative only on an exact YES after trimming and uppercasing.
func (s *Service) DecideLookup(ctx context.Context, history, query string) (bool, error) {
	response, err := s.decide.Invoke(ctx, map[string]any{
		"chat_history": history,
		"query":        query,
	})
	if err != nil {
		return false, fmt.Errorf("failed to run decision chain: %w", err)
	}

	return strings.ToUpper(strings.TrimSpace(response.Content)) == affirmative, nil
}

// GenerateReply produces the assistant reply for a turn. lookupInfo is the
// formatted lookup summary, or an explicit statement that no lookup ran.
func (s *Service) GenerateReply(ctx context.Context, history, query, lookupInfo string) (string, error) {
	response, err := s.generate.Invoke(ctx, map[string]any{
		"chat_history": history,
		"query":        query,
		"lookup_info":  lookupInfo,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run reply chain: %w", err)
	}

	log.Printf("[ai] generated reply, length=%d", len(response.Content))
	return response.Content, nil
}

// NameConversation produces a short title for a conversation's first
// exchange.
func (s *Service) NameConversation(ctx context.Context, userMessage, assistantReply string) (string, error) {
	response, err := s.name.Invoke(ctx, map[string]any{
		"user_message":    userMessage,
		"assistant_reply": assistantReply,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run naming chain: %w", err)
	}

	return strings.TrimSpace(response.Content), nil
}
