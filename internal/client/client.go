// Package client is the request client for the assistant backend REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout   = 60 * time.Second // LLM answers can take a while
	defaultUserAgent = "assistant-chat"
	requestIDHeader  = "X-Request-ID"
	maxErrorBodySize = 4096
)

// TokenSource supplies the bearer credential attached to authenticated calls.
// An empty token with a nil error means "signed out".
type TokenSource interface {
	Token() (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

func (f TokenFunc) Token() (string, error) { return f() }

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userAgent  string

	mu     sync.RWMutex
	tokens TokenSource
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// New creates a client for the backend rooted at baseURL (for example
// "http://localhost:8080"). Paths are resolved below it.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse base url %q", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultTimeout},
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetTokenSource binds the credential source after construction. The session
// manager needs the client to verify tokens, so the two are wired in two steps.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

func (c *Client) bearer() (string, error) {
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	if ts == nil {
		return "", nil
	}
	return ts.Token()
}

// GoogleAuthURL returns the OAuth consent URL the whole page should navigate to.
func (c *Client) GoogleAuthURL(ctx context.Context) (string, error) {
	var resp authURLResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/google", nil, nil, &resp); err != nil {
		return "", errors.Wrap(err, "get google auth url")
	}
	if resp.URL == "" {
		return "", errors.New("get google auth url: empty url in response")
	}
	return resp.URL, nil
}

// Verify exchanges a raw credential for the user it identifies.
func (c *Client) Verify(ctx context.Context, token string) (*User, error) {
	return c.userCall(ctx, http.MethodPost, "/api/auth/verify", token)
}

// Me returns the user behind token.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	return c.userCall(ctx, http.MethodGet, "/api/auth/me", token)
}

func (c *Client) userCall(ctx context.Context, method, path, token string) (*User, error) {
	if token == "" {
		return nil, errors.Wrap(ErrInvalidCredential, "empty token")
	}
	var resp userResponse
	if err := c.do(ctx, method, path, &token, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.User == nil {
		return nil, errors.Wrapf(ErrInvalidCredential, "%s %s: no user in response", method, path)
	}
	return resp.User, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var resp conversationsResponse
	if err := c.authed(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	if resp.Conversations == nil {
		return []Conversation{}, nil
	}
	return resp.Conversations, nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	var resp conversationResponse
	if err := c.authed(ctx, http.MethodPost, "/api/conversations", titleRequest{Title: title}, &resp); err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	if resp.Conversation == nil {
		return nil, errors.New("create conversation: no conversation in response")
	}
	return resp.Conversation, nil
}

// GetConversation returns the conversation header and its full transcript.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, []Message, error) {
	var resp conversationResponse
	if err := c.authed(ctx, http.MethodGet, conversationPath(id), nil, &resp); err != nil {
		return nil, nil, errors.Wrapf(err, "get conversation %s", id)
	}
	if resp.Conversation == nil {
		return nil, nil, errors.Wrapf(ErrNotFound, "get conversation %s: empty response", id)
	}
	messages := resp.Messages
	if messages == nil {
		messages = []Message{}
	}
	return resp.Conversation, messages, nil
}

func (c *Client) RenameConversation(ctx context.Context, id, title string) error {
	if err := c.authed(ctx, http.MethodPut, conversationPath(id), titleRequest{Title: title}, nil); err != nil {
		return errors.Wrapf(err, "rename conversation %s", id)
	}
	return nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.authed(ctx, http.MethodDelete, conversationPath(id), nil, nil); err != nil {
		return errors.Wrapf(err, "delete conversation %s", id)
	}
	return nil
}

// SendMessage posts a chat message. An empty conversationID asks the backend
// to create a conversation; its id comes back in the reply.
func (c *Client) SendMessage(ctx context.Context, message, conversationID string) (*ChatReply, error) {
	var resp ChatReply
	req := chatRequest{Message: message, ConversationID: conversationID}
	if err := c.authed(ctx, http.MethodPost, "/api/chat", req, &resp); err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	return &resp, nil
}

func conversationPath(id string) string {
	return "/api/conversations/" + url.PathEscape(id)
}

func (c *Client) authed(ctx context.Context, method, path string, body, out any) error {
	token, err := c.bearer()
	if err != nil {
		return errors.Wrap(err, "read credential")
	}
	if token == "" {
		return errors.Wrap(ErrInvalidCredential, "not signed in")
	}
	return c.do(ctx, method, path, &token, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, token *string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(buf)
	}

	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != nil {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("path", path).Str("request_id", requestID).Msg("request failed")
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("request_id", requestID).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
