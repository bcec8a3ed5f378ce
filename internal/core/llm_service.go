package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"gwi.com/assistant-chat/internal/store"
)

const (
	defaultChatModelName  = "gemini-1.5-flash-latest"
	defaultTitleModelName = "gemini-1.5-flash-latest"

	chatSystemInstruction = "You are a helpful AI assistant. Provide clear, accurate, and helpful responses. " +
		"Keep your answers concise and directly related to the user's question."

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."

	// NotConfiguredAnswer is what users see when the backend has no Gemini key.
	NotConfiguredAnswer = "Gemini API key not configured. Please set GEMINI_API_KEY in the backend environment."
)

// ErrNoTitle means the responder cannot produce a title; the derived one stays.
var ErrNoTitle = errors.New("no title generated")

// Responder produces assistant answers and conversation titles.
type Responder interface {
	// Reply answers prompt given the earlier messages of the conversation, oldest first.
	Reply(ctx context.Context, history []store.Message, prompt string) (string, error)
	Title(ctx context.Context, firstMessage string) (string, error)
}

// NewResponder returns the Gemini responder, or the static one when apiKey is empty.
func NewResponder(ctx context.Context, apiKey string) (Responder, func(), error) {
	if apiKey == "" {
		return StaticResponder{}, func() {}, nil
	}
	llm, err := NewLLMService(ctx, apiKey)
	if err != nil {
		return nil, nil, err
	}
	return llm, llm.Close, nil
}

type LLMService struct {
	client *genai.Client
}

func NewLLMService(ctx context.Context, apiKey string) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMService{client: client}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing GenAI client")
		} else {
			log.Debug().Msg("GenAI client closed")
		}
	}
}

// Reply runs a Gemini chat turn seeded with history.
func (s *LLMService) Reply(ctx context.Context, history []store.Message, prompt string) (string, error) {
	model := s.client.GenerativeModel(defaultChatModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	chatSession := model.StartChat()
	chatSession.History = toGeminiHistory(history)

	resp, err := chatSession.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		log.Warn().Msg("Gemini response was empty or had no text parts")
		return "I'm sorry, I couldn't generate a response at this time. Please try again.", nil
	}
	return text, nil
}

func (s *LLMService) Title(ctx context.Context, firstMessage string) (string, error) {
	model := s.client.GenerativeModel(defaultTitleModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}

	temp := float32(0.3)
	maxTokens := int32(20)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with: %q.", firstMessage)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}

	title := CleanTitle(responseText(resp))
	if title == "" {
		return "", ErrNoTitle
	}
	return title, nil
}

// toGeminiHistory maps stored roles onto Gemini's user/model roles.
func toGeminiHistory(history []store.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := "user"
		if msg.Role == store.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// CleanTitle strips the quotes and punctuation models like to wrap titles in.
func CleanTitle(title string) string {
	return strings.Trim(strings.TrimSpace(title), "\"'\n\r\t .")
}

// StaticResponder answers without an LLM.
type StaticResponder struct{}

func (StaticResponder) Reply(context.Context, []store.Message, string) (string, error) {
	return NotConfiguredAnswer, nil
}

func (StaticResponder) Title(context.Context, string) (string, error) {
	return "", ErrNoTitle
}
