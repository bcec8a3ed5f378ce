package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"gwi.com/assistant-chat/internal/auth"
	"gwi.com/assistant-chat/internal/core"
	"gwi.com/assistant-chat/internal/store"
)

type contextKey int

const userKey contextKey = iota

func userFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey).(*store.User)
	return u
}

type APIHandler struct {
	chatService *core.ChatService
	issuer      *auth.Issuer
	google      *auth.Google
	frontendURL string
}

func NewAPIHandler(cs *core.ChatService, issuer *auth.Issuer, google *auth.Google, frontendURL string) *APIHandler {
	return &APIHandler{chatService: cs, issuer: issuer, google: google, frontendURL: strings.TrimRight(frontendURL, "/")}
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// Error writes a JSON error body.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// BearerAuthMiddleware accepts a backend session token or, for the popup
// flow, a Google ID token. The resolved user is stored in the context.
func (h *APIHandler) BearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			Error(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		user, err := h.resolveUser(r.Context(), strings.TrimSpace(tokenString))
		switch {
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, store.ErrNotFound):
			Error(w, http.StatusUnauthorized, "Invalid token")
			return
		case err != nil:
			log.Error().Err(err).Msg("Failed to resolve user identity")
			Error(w, http.StatusInternalServerError, "Failed to process user identity")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (h *APIHandler) resolveUser(ctx context.Context, token string) (*store.User, error) {
	userID, jwtErr := h.issuer.ValidateJWT(token)
	if jwtErr == nil {
		return h.chatService.GetUser(ctx, userID)
	}
	if !h.google.Enabled() {
		return nil, jwtErr
	}
	identity, err := h.google.VerifyIDToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return h.chatService.SignInGoogle(ctx, identity)
}

type userResponse struct {
	User *store.User `json:"user"`
}

func (h *APIHandler) GoogleAuthURLHandler(w http.ResponseWriter, r *http.Request) {
	state, err := h.issuer.NewState()
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue OAuth state")
		Error(w, http.StatusInternalServerError, "Failed to start sign-in")
		return
	}
	authURL, err := h.google.AuthCodeURL(state)
	if errors.Is(err, auth.ErrGoogleDisabled) {
		Error(w, http.StatusServiceUnavailable, "Google sign-in is not configured")
		return
	}
	if err != nil {
		Error(w, http.StatusInternalServerError, "Failed to start sign-in")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// GoogleCallbackHandler finishes the code flow and sends the browser back to
// the frontend with either ?token= or ?error=.
func (h *APIHandler) GoogleCallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		h.redirectToFrontend(w, r, "error", reason)
		return
	}
	if err := h.issuer.ValidateState(q.Get("state")); err != nil {
		log.Warn().Err(err).Msg("OAuth callback with invalid state")
		h.redirectToFrontend(w, r, "error", "invalid_state")
		return
	}
	code := q.Get("code")
	if code == "" {
		h.redirectToFrontend(w, r, "error", "missing_code")
		return
	}

	identity, err := h.google.Exchange(r.Context(), code)
	if err != nil {
		log.Error().Err(err).Msg("Google code exchange failed")
		h.redirectToFrontend(w, r, "error", "auth_failed")
		return
	}
	user, err := h.chatService.SignInGoogle(r.Context(), identity)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store signed-in user")
		h.redirectToFrontend(w, r, "error", "auth_failed")
		return
	}
	token, err := h.issuer.GenerateJWT(user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Error generating JWT")
		h.redirectToFrontend(w, r, "error", "auth_failed")
		return
	}

	log.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("User signed in with Google")
	h.redirectToFrontend(w, r, "token", token)
}

func (h *APIHandler) redirectToFrontend(w http.ResponseWriter, r *http.Request, key, value string) {
	http.Redirect(w, r, h.frontendURL+"/?"+url.Values{key: {value}}.Encode(), http.StatusFound)
}

// VerifyHandler and MeHandler both report the bearer's user; the
// middleware did the checking.
func (h *APIHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, userResponse{User: userFromContext(r.Context())})
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, userResponse{User: userFromContext(r.Context())})
}

type titleRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []store.Message     `json:"messages,omitempty"`
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	convs, err := h.chatService.ListConversations(r.Context(), user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Error listing conversations")
		Error(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	JSON(w, http.StatusOK, map[string][]store.Conversation{"conversations": convs})
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req titleRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	conv, err := h.chatService.CreateConversation(r.Context(), user.ID, req.Title)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Error creating conversation")
		Error(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}
	JSON(w, http.StatusCreated, conversationResponse{Conversation: conv})
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := chi.URLParam(r, "conversationID")

	conv, messages, err := h.chatService.GetConversation(r.Context(), id, user.ID)
	if err != nil {
		h.conversationError(w, err, "Failed to get conversation", id)
		return
	}
	JSON(w, http.StatusOK, struct {
		Conversation *store.Conversation `json:"conversation"`
		Messages     []store.Message     `json:"messages"`
	}{conv, messages})
}

func (h *APIHandler) RenameConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := chi.URLParam(r, "conversationID")

	var req titleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	conv, err := h.chatService.RenameConversation(r.Context(), id, user.ID, req.Title)
	if err != nil {
		h.conversationError(w, err, "Failed to rename conversation", id)
		return
	}
	JSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := chi.URLParam(r, "conversationID")

	if err := h.chatService.DeleteConversation(r.Context(), id, user.ID); err != nil {
		h.conversationError(w, err, "Failed to delete conversation", id)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type chatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	answer, convID, err := h.chatService.Answer(r.Context(), user.ID, req.ConversationID, req.Message)
	if err != nil {
		h.conversationError(w, err, "Failed to process message", req.ConversationID)
		return
	}
	JSON(w, http.StatusOK, chatResponse{Answer: answer, ConversationID: convID})
}

func (h *APIHandler) conversationError(w http.ResponseWriter, err error, message, conversationID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, core.ErrEmptyMessage), errors.Is(err, core.ErrEmptyTitle):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("conversation_id", conversationID).Msg(message)
		Error(w, http.StatusInternalServerError, message)
	}
}
