package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithTokenSource(TokenFunc(func() (string, error) { return token, nil })))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New("/api")
	require.Error(t, err)
}

func TestGoogleAuthURL_IsUnauthenticated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/google", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]string{"url": "https://accounts.example/o"})
	}, "secret")

	got, err := c.GoogleAuthURL(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://accounts.example/o", got)
}

func TestVerify_UsesExplicitToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer raw-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"user": User{ID: "u1", Email: "a@b.c"}})
	}, "ambient-token")

	u, err := c.Verify(context.Background(), "raw-token")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
}

func TestVerify_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}, "")

	_, err := c.Verify(context.Background(), "expired")
	require.ErrorIs(t, err, ErrInvalidCredential)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "Invalid token", apiErr.Message)
}

func TestAuthedCall_WithoutTokenSkipsNetwork(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	}, "")

	_, err := c.ListConversations(context.Background())
	require.ErrorIs(t, err, ErrInvalidCredential)
	require.Zero(t, calls)
}

func TestConversationCalls(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get(requestIDHeader))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/conversations":
			writeJSON(w, http.StatusOK, map[string]any{"conversations": []Conversation{{ID: "c2"}, {ID: "c1"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/conversations":
			var body titleRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			writeJSON(w, http.StatusCreated, map[string]any{"conversation": Conversation{ID: "c3", Title: body.Title}})
		case r.Method == http.MethodGet && r.URL.Path == "/api/conversations/c1":
			writeJSON(w, http.StatusOK, map[string]any{
				"conversation": Conversation{ID: "c1"},
				"messages":     []Message{{ID: 1, Role: RoleUser, Content: "hi"}},
			})
		case r.Method == http.MethodPut && r.URL.Path == "/api/conversations/gone":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Conversation not found"})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/conversations/c1":
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}, "tok")
	ctx := context.Background()

	list, err := c.ListConversations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c2", "c1"}, []string{list[0].ID, list[1].ID})

	created, err := c.CreateConversation(ctx, "Trip")
	require.NoError(t, err)
	require.Equal(t, "Trip", created.Title)

	conv, msgs, err := c.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", conv.ID)
	require.Len(t, msgs, 1)

	err = c.RenameConversation(ctx, "gone", "x")
	require.True(t, IsConflictOrNotFound(err))

	require.NoError(t, c.DeleteConversation(ctx, "c1"))
}

func TestSendMessage_OmitsEmptyConversationID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, present := raw["conversation_id"]
		assert.False(t, present)
		writeJSON(w, http.StatusOK, ChatReply{Answer: "hello", ConversationID: "new"})
	}, "tok")

	reply, err := c.SendMessage(context.Background(), "hi", "")
	require.NoError(t, err)
	require.Equal(t, "hello", reply.Answer)
	require.Equal(t, "new", reply.ConversationID)
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}, "tok")

	_, err := c.ListConversations(context.Background())
	require.ErrorIs(t, err, ErrTransient)
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url)
	require.NoError(t, err)
	_, err = c.GoogleAuthURL(context.Background())
	require.ErrorIs(t, err, ErrTransient)
}
