package a2a

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/zhengjr9/chat-relay/internal/relay"
	"github.com/zhengjr9/chat-relay/internal/upstream"
)

// apiKeyContextKey is the context key used to propagate the caller's API key
// from the HTTP layer into the agent's Run function.
type apiKeyContextKey struct{}

// ContextWithAPIKey returns a new context carrying the given upstream API key.
// Call this in an HTTP middleware before the request reaches the A2A handler.
func ContextWithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, apiKey)
}

func apiKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(apiKeyContextKey{}).(string)
	return v, ok && v != ""
}

// AgentConfig holds the configuration for the relay-backed A2A agent.
type AgentConfig struct {
	// Name is the agent name exposed via A2A AgentCard.
	Name string
	// Description is exposed via A2A AgentCard.
	Description string
	// Client is the upstream client shared with the relay endpoint.
	Client *upstream.Client
	// APIKey is used when the caller sends no Authorization header.
	APIKey string
	// Model is requested upstream for every turn.
	Model string
}

// New returns an agent.Agent that sends the user's message upstream as a
// streaming chat completion and converts the relayed fragments into
// session.Events that the ADK runner understands.
func New(cfg AgentConfig) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("a2a agent: Name must not be empty")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("a2a agent: Client must not be nil")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("a2a agent: Model must not be empty")
	}

	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         runFunc(cfg),
	})
}

// runFunc returns the Run closure that drives one agent invocation.
func runFunc(cfg AgentConfig) func(agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
		return func(yield func(*session.Event, error) bool) {
			apiKey, ok := apiKeyFromContext(ctx)
			if !ok {
				apiKey = cfg.APIKey
			}
			if apiKey == "" {
				yield(nil, fmt.Errorf("no upstream API key: set --a2a-api-key or pass Authorization: Bearer <key>"))
				return
			}

			query := extractQuery(ctx.UserContent())
			if query == "" {
				ev := session.NewEvent(ctx.InvocationID())
				ev.Author = cfg.Name
				ev.LLMResponse = model.LLMResponse{
					Content: textContent("(empty input)"),
				}
				yield(ev, nil)
				return
			}

			resp, err := cfg.Client.SendChat(ctx, apiKey, chatRequest(cfg.Model, query))
			if err != nil {
				yield(nil, fmt.Errorf("upstream request failed: %w", err))
				return
			}

			stream := relay.NewStream(resp.Body, slog.With("invocation_id", ctx.InvocationID()))
			defer stream.Close()

			var fullText strings.Builder
			for {
				frag, err := stream.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					yield(nil, fmt.Errorf("upstream stream error: %w", err))
					return
				}
				fullText.WriteString(frag)

				// Partial events let streaming A2A clients see tokens as they arrive.
				partialEv := session.NewEvent(ctx.InvocationID())
				partialEv.Author = cfg.Name
				partialEv.Branch = ctx.Branch()
				partialEv.LLMResponse = model.LLMResponse{
					Content: textContent(frag),
					Partial: true,
				}
				if !yield(partialEv, nil) {
					return
				}
			}

			// The final non-partial event makes IsFinalResponse() true so the
			// runner closes the invocation.
			finalEv := session.NewEvent(ctx.InvocationID())
			finalEv.Author = cfg.Name
			finalEv.Branch = ctx.Branch()
			finalEv.LLMResponse = model.LLMResponse{
				Content: textContent(fullText.String()),
				Partial: false,
			}
			yield(finalEv, nil)
		}
	}
}

// chatRequest builds the single-turn streaming payload sent upstream.
func chatRequest(modelName, query string) *upstream.ChatRequest {
	return &upstream.ChatRequest{
		Model:    modelName,
		Messages: []upstream.Message{{Role: "user", Content: query}},
		Stream:   true,
	}
}

// extractQuery pulls the plain-text content from the genai.Content that ADK
// puts in the InvocationContext when the caller sends a message.
func extractQuery(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}
