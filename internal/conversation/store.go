// Package conversation keeps the conversation list and the active transcript
// in step with the backend.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"gwi.com/assistant-chat/internal/client"
)

// API is the slice of the backend the store needs. *client.Client satisfies it.
type API interface {
	ListConversations(ctx context.Context) ([]client.Conversation, error)
	CreateConversation(ctx context.Context, title string) (*client.Conversation, error)
	GetConversation(ctx context.Context, id string) (*client.Conversation, []client.Message, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	SendMessage(ctx context.Context, message, conversationID string) (*client.ChatReply, error)
}

var _ API = (*client.Client)(nil)

// Snapshot is a copy of the store state; callers may keep it.
type Snapshot struct {
	Conversations []client.Conversation
	Current       *client.Conversation
	Messages      []client.Message
	IsLoading     bool
}

type Option func(*Store)

// WithLoadSequencing makes LoadConversation drop responses that resolve after
// a newer load was issued. Without it the last load to resolve wins.
func WithLoadSequencing() Option {
	return func(s *Store) { s.sequenceLoads = true }
}

// WithClock replaces time.Now for timestamps of optimistic messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store owns the conversation list, the active conversation and its
// messages. The mutex is never held across a backend call; remote results are
// applied after the call returns.
type Store struct {
	api           API
	now           func() time.Time
	sequenceLoads bool

	mu            sync.Mutex
	conversations []client.Conversation
	current       *client.Conversation
	messages      []client.Message
	loading       int
	loadSeq       uint64
	localID       int64

	listenerSeq int
	listeners   map[int]func(Snapshot)
}

func NewStore(api API, opts ...Option) *Store {
	s := &Store{
		api:       api,
		now:       time.Now,
		listeners: map[int]func(Snapshot){},
	}
	for _, opt := range opts {
		opt(s)
	}
	// Synthesized ids are seeded from the clock and only ever increase.
	s.localID = s.now().UnixMilli()
	return s
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Conversations: append([]client.Conversation(nil), s.conversations...),
		Messages:      append([]client.Message(nil), s.messages...),
		IsLoading:     s.loading > 0,
	}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	return snap
}

// OnChange registers fn to run after every state change. The returned
// function removes it.
func (s *Store) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) update(fn func(s *Store)) {
	s.mu.Lock()
	fn(s)
	snap := s.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// FetchConversations replaces the list with the server's. If the active
// conversation is no longer listed it is cleared along with its messages.
func (s *Store) FetchConversations(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch conversations")
	}
	s.update(func(s *Store) {
		s.conversations = append([]client.Conversation(nil), list...)
		if s.current != nil && s.indexLocked(s.current.ID) < 0 {
			log.Debug().Str("conversation_id", s.current.ID).Msg("Active conversation no longer listed")
			s.current = nil
			s.messages = nil
		}
	})
	return nil
}

// CreateConversation creates a conversation, puts it first in the list and
// makes it active with an empty transcript.
func (s *Store) CreateConversation(ctx context.Context, title string) (*client.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = client.DefaultConversationTitle
	}
	conv, err := s.api.CreateConversation(ctx, title)
	if err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	s.update(func(s *Store) {
		s.conversations = append([]client.Conversation{*conv}, s.conversations...)
		cur := *conv
		s.current = &cur
		s.messages = nil
	})
	log.Debug().Str("conversation_id", conv.ID).Msg("Conversation created")
	out := *conv
	return &out, nil
}

// LoadConversation fetches a conversation with its messages and makes it
// active. On failure the previous state is kept.
func (s *Store) LoadConversation(ctx context.Context, id string) error {
	var seq uint64
	s.update(func(s *Store) {
		s.loading++
		s.loadSeq++
		seq = s.loadSeq
	})

	conv, msgs, err := s.api.GetConversation(ctx, id)
	if err != nil {
		s.update(func(s *Store) { s.loading-- })
		return errors.Wrapf(err, "load conversation %s", id)
	}

	s.update(func(s *Store) {
		s.loading--
		if s.sequenceLoads && seq != s.loadSeq {
			log.Debug().Str("conversation_id", id).Msg("Discarding superseded conversation load")
			return
		}
		if i := s.indexLocked(conv.ID); i >= 0 {
			s.conversations[i] = *conv
		} else {
			s.conversations = append([]client.Conversation{*conv}, s.conversations...)
		}
		cur := *conv
		s.current = &cur
		s.messages = append([]client.Message(nil), msgs...)
	})
	return nil
}

// RenameConversation renames remotely, then patches the list entry and the
// active conversation.
func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.Wrap(client.ErrValidation, "conversation title must not be empty")
	}
	if err := s.api.RenameConversation(ctx, id, title); err != nil {
		return errors.Wrapf(err, "rename conversation %s", id)
	}
	s.update(func(s *Store) {
		if i := s.indexLocked(id); i >= 0 {
			s.conversations[i].Title = title
		}
		if s.current != nil && s.current.ID == id {
			cur := *s.current
			cur.Title = title
			s.current = &cur
		}
	})
	return nil
}

// DeleteConversation deletes remotely, then drops the entry. Deleting the
// active conversation clears it and its messages together.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if err := s.api.DeleteConversation(ctx, id); err != nil {
		return errors.Wrapf(err, "delete conversation %s", id)
	}
	s.update(func(s *Store) {
		if i := s.indexLocked(id); i >= 0 {
			s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
		}
		if s.current != nil && s.current.ID == id {
			s.current = nil
			s.messages = nil
		}
	})
	return nil
}

// SendMessage sends text to conversationID, or to the active conversation
// when conversationID is empty. With neither, the backend creates the
// conversation; the store then refetches the list and loads it. Replies for
// the active conversation are appended locally.
func (s *Store) SendMessage(ctx context.Context, text, conversationID string) (string, error) {
	s.mu.Lock()
	target := conversationID
	if target == "" && s.current != nil {
		target = s.current.ID
	}
	s.mu.Unlock()

	if target == "" {
		return s.sendFirstMessage(ctx, text)
	}

	reply, err := s.api.SendMessage(ctx, text, target)
	if err != nil {
		return "", errors.Wrap(err, "send message")
	}

	s.update(func(s *Store) {
		if s.current == nil || s.current.ID != target {
			return
		}
		now := s.now().UTC()
		s.messages = append(s.messages,
			client.Message{ID: s.nextIDLocked(), Role: client.RoleUser, Content: text, CreatedAt: now},
			client.Message{ID: s.nextIDLocked(), Role: client.RoleAssistant, Content: reply.Answer, CreatedAt: now},
		)
	})
	return reply.Answer, nil
}

func (s *Store) sendFirstMessage(ctx context.Context, text string) (string, error) {
	reply, err := s.api.SendMessage(ctx, text, "")
	if err != nil {
		return "", errors.Wrap(err, "send message")
	}
	if reply.ConversationID == "" {
		log.Warn().Msg("Backend did not report the created conversation")
		return reply.Answer, s.FetchConversations(ctx)
	}
	log.Debug().Str("conversation_id", reply.ConversationID).Msg("Conversation created by first message")

	if err := s.FetchConversations(ctx); err != nil {
		return reply.Answer, err
	}
	if err := s.LoadConversation(ctx, reply.ConversationID); err != nil {
		return reply.Answer, err
	}
	return reply.Answer, nil
}

// ClearCurrentConversation drops the active conversation locally, e.g. when
// the user starts a new chat that is only created on its first message.
func (s *Store) ClearCurrentConversation() {
	s.update(func(s *Store) {
		s.current = nil
		s.messages = nil
	})
}

func (s *Store) indexLocked(id string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) nextIDLocked() int64 {
	s.localID++
	return s.localID
}
