package client

import "time"

// Message roles as the backend reports them.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New Chat"

// User is the identity record returned by the auth endpoints.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

// DisplayName falls back to the email when the provider did not share a name.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatReply is the payload of POST /api/chat. ConversationID is set by the
// backend, and is the only way to learn the id of an implicitly created conversation.
type ChatReply struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type authURLResponse struct {
	URL string `json:"url"`
}

type userResponse struct {
	User *User `json:"user"`
}

type conversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type conversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []Message     `json:"messages,omitempty"`
}

type titleRequest struct {
	Title string `json:"title"`
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
