package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"invoqa/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Completer is the text-completion contract the answer orchestrator depends
// on: one prompt in, one answer out, no conversation state.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const completionSystemPrompt = "You are a helpful assistant."

type completionService struct {
	chatModel model.ToolCallingChatModel
}

// NewCompletionService builds a single-turn completion client for the
// configured provider.
func NewCompletionService(ctx context.Context, provider string, provCfg config.ProviderConfig) (Completer, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)

	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 1000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &completionService{chatModel: chatModel}, nil
}

// Complete sends the prompt as a single user turn and returns the model text.
func (s *completionService) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt cannot be empty")
	}
	messages := []*schema.Message{
		{Role: schema.System, Content: completionSystemPrompt},
		{Role: schema.User, Content: prompt},
	}
	resp, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	return resp.Content, nil
}
