package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"gwi.com/assistant-chat/internal/auth"
	"gwi.com/assistant-chat/internal/store"
)

const (
	DefaultTitle = "New Chat"

	derivedTitleLength = 50
	titleTimeout       = 30 * time.Second
	replyFailedAnswer  = "I'm sorry, I encountered an error while processing your request."
)

var (
	ErrEmptyMessage = errors.New("message cannot be empty")
	ErrEmptyTitle   = errors.New("title cannot be empty")
)

type ChatService struct {
	repo         store.Repository
	llm          Responder
	historyLimit int

	titles sync.WaitGroup
}

func NewChatService(repo store.Repository, llm Responder, historyLimit int) *ChatService {
	return &ChatService{repo: repo, llm: llm, historyLimit: historyLimit}
}

// SignInGoogle upserts the user behind a validated Google identity.
func (s *ChatService) SignInGoogle(ctx context.Context, id *auth.Identity) (*store.User, error) {
	user, err := s.repo.UpsertGoogleUser(ctx, id.GoogleID, id.Email, id.Name, id.Picture)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert google user: %w", err)
	}
	return user, nil
}

func (s *ChatService) GetUser(ctx context.Context, userID string) (*store.User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

func (s *ChatService) CreateConversation(ctx context.Context, userID, title string) (*store.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	return s.repo.CreateConversation(ctx, userID, title)
}

// GetConversation returns the conversation header and its full transcript.
func (s *ChatService) GetConversation(ctx context.Context, id, userID string) (*store.Conversation, []store.Message, error) {
	conv, err := s.repo.GetConversation(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.repo.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for conversation: %w", err)
	}
	return conv, messages, nil
}

func (s *ChatService) RenameConversation(ctx context.Context, id, userID, title string) (*store.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	return s.repo.RenameConversation(ctx, id, userID, title)
}

func (s *ChatService) DeleteConversation(ctx context.Context, id, userID string) error {
	return s.repo.DeleteConversation(ctx, id, userID)
}

// Answer stores the user's message, asks the responder and stores the reply.
// An empty conversationID creates a conversation titled after the message.
// It returns the answer and the conversation id it was filed under.
func (s *ChatService) Answer(ctx context.Context, userID, conversationID, message string) (string, string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", "", ErrEmptyMessage
	}

	var conv *store.Conversation
	var err error
	created := false
	if conversationID == "" {
		conv, err = s.repo.CreateConversation(ctx, userID, DeriveTitle(message))
		created = true
	} else {
		conv, err = s.repo.GetConversation(ctx, conversationID, userID)
	}
	if err != nil {
		return "", "", err
	}

	history, err := s.repo.LastMessages(ctx, conv.ID, s.historyLimit)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Proceeding without history")
		history = nil
	}

	if _, err := s.repo.AddMessage(ctx, conv.ID, store.RoleUser, message); err != nil {
		return "", "", fmt.Errorf("failed to store user message: %w", err)
	}

	answer, err := s.llm.Reply(ctx, history, message)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Error generating reply")
		answer = replyFailedAnswer
	}

	if _, err := s.repo.AddMessage(ctx, conv.ID, store.RoleAssistant, answer); err != nil {
		return "", "", fmt.Errorf("failed to store assistant message: %w", err)
	}

	if created {
		s.titles.Add(1)
		go s.generateAndSaveTitle(context.WithoutCancel(ctx), conv.ID, conv.Title, message)
	}
	return answer, conv.ID, nil
}

// Wait blocks until background title generation has finished.
func (s *ChatService) Wait() {
	s.titles.Wait()
}

// generateAndSaveTitle replaces the derived title, unless the user renamed
// the conversation in the meantime.
func (s *ChatService) generateAndSaveTitle(ctx context.Context, conversationID, derived, firstMessage string) {
	defer s.titles.Done()
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	title, err := s.llm.Title(ctx, firstMessage)
	if errors.Is(err, ErrNoTitle) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to generate title")
		return
	}
	if title = CleanTitle(title); title == "" || title == derived {
		return
	}

	replaced, err := s.repo.ReplaceTitle(ctx, conversationID, derived, title)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to save generated title")
		return
	}
	if replaced {
		log.Info().Str("conversation_id", conversationID).Str("title", title).Msg("Saved generated title")
	}
}

// DeriveTitle is the first 50 characters of the message, with "..." when cut.
func DeriveTitle(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	if message == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(message) <= derivedTitleLength {
		return message
	}
	return string([]rune(message)[:derivedTitleLength]) + "..."
}
