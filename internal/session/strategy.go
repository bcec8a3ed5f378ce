package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type StrategyKind string

const (
	StrategyPopupRedirect StrategyKind = "popup"
	StrategyBackendToken  StrategyKind = "backend-token"
)

// ParseStrategyKind accepts the configuration spellings of a strategy.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "popup", "popup-redirect", "federated":
		return StrategyPopupRedirect, nil
	case "backend-token", "backend", "token", "":
		return StrategyBackendToken, nil
	default:
		return "", errors.Errorf("unknown identity strategy %q", s)
	}
}

var (
	// ErrCallbackRejected is reported when the OAuth callback carried an error parameter.
	ErrCallbackRejected = errors.New("sign-in callback reported an error")
	// ErrNoCredential is returned by operations that need a credential when none is held.
	ErrNoCredential = errors.New("no credential")
)

// IdentityStrategy is one way of obtaining a raw credential.
type IdentityStrategy interface {
	Kind() StrategyKind
	// SignIn runs the interactive part of the flow. It returns the raw credential
	// and OutcomeAuthenticated when the flow completed in-process, or
	// OutcomeRedirecting when the flow resumes on the next start.
	SignIn(ctx context.Context) (string, Outcome, error)
	// PendingCredential returns a credential delivered from outside the process
	// (landing URL, provider redirect result). Empty means none.
	PendingCredential(ctx context.Context, landing *url.URL) (string, error)
	// SignOut revokes whatever the strategy holds on the provider side.
	SignOut(ctx context.Context) error
}

// IdentityProvider is the federated identity SDK. Popup and redirect
// mechanics are opaque; it only yields ID tokens or errors.
type IdentityProvider interface {
	SignInWithPopup(ctx context.Context) (string, error)
	SignInWithRedirect(ctx context.Context) error
	// RedirectResult returns the ID token of a completed redirect sign-in, or "".
	RedirectResult(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}

// Provider error codes that trigger the redirect fallback.
const (
	CodePopupBlocked         = "auth/popup-blocked"
	CodePopupClosedByUser    = "auth/popup-closed-by-user"
	CodeCancelledPopup       = "auth/cancelled-popup-request"
	codeAssertionFailureText = "INTERNAL ASSERTION FAILED"
	codeCOOPFailureText      = "Cross-Origin-Opener-Policy"
)

// ProviderError is an error reported by the identity provider.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity provider: %s", e.Code)
	}
	return fmt.Sprintf("identity provider: %s: %s", e.Code, e.Message)
}

// ShouldFallbackToRedirect reports whether a popup failure belongs to the
// classes that are retried as a full-page redirect.
func ShouldFallbackToRedirect(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case CodePopupBlocked, CodePopupClosedByUser, CodeCancelledPopup:
		return true
	}
	return strings.Contains(pe.Message, codeAssertionFailureText) ||
		strings.Contains(pe.Message, codeCOOPFailureText)
}

// PopupRedirect signs in through a popup and falls back to a redirect.
type PopupRedirect struct {
	provider IdentityProvider
}

func NewPopupRedirect(provider IdentityProvider) *PopupRedirect {
	return &PopupRedirect{provider: provider}
}

func (p *PopupRedirect) Kind() StrategyKind { return StrategyPopupRedirect }

func (p *PopupRedirect) SignIn(ctx context.Context) (string, Outcome, error) {
	token, err := p.provider.SignInWithPopup(ctx)
	if err == nil {
		return token, OutcomeAuthenticated, nil
	}
	if !ShouldFallbackToRedirect(err) {
		return "", OutcomeAuthenticated, err
	}

	log.Info().Err(err).Msg("Popup sign-in failed, falling back to redirect")
	if err := p.provider.SignInWithRedirect(ctx); err != nil {
		return "", OutcomeRedirecting, errors.Wrap(err, "redirect sign-in")
	}
	return "", OutcomeRedirecting, nil
}

func (p *PopupRedirect) PendingCredential(ctx context.Context, _ *url.URL) (string, error) {
	token, err := p.provider.RedirectResult(ctx)
	if err != nil {
		return "", errors.Wrap(err, "redirect result")
	}
	return token, nil
}

func (p *PopupRedirect) SignOut(ctx context.Context) error {
	return p.provider.SignOut(ctx)
}

// AuthURLSource hands out the backend's OAuth consent URL.
type AuthURLSource interface {
	GoogleAuthURL(ctx context.Context) (string, error)
}

// Navigator moves the host to an external URL (browser navigation, or
// printing the link in a terminal).
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error { return f(ctx, target) }

// Query parameters of the backend's OAuth callback redirect.
const (
	CallbackTokenParam = "token"
	CallbackErrorParam = "error"
)

// BackendToken lets the backend run the OAuth dance; the backend redirects
// back with a token (or error) query parameter.
type BackendToken struct {
	urls AuthURLSource
	nav  Navigator
}

func NewBackendToken(urls AuthURLSource, nav Navigator) *BackendToken {
	return &BackendToken{urls: urls, nav: nav}
}

func (b *BackendToken) Kind() StrategyKind { return StrategyBackendToken }

func (b *BackendToken) SignIn(ctx context.Context) (string, Outcome, error) {
	target, err := b.urls.GoogleAuthURL(ctx)
	if err != nil {
		return "", OutcomeRedirecting, err
	}
	if err := b.nav.Navigate(ctx, target); err != nil {
		return "", OutcomeRedirecting, errors.Wrap(err, "navigate to auth url")
	}
	return "", OutcomeRedirecting, nil
}

func (b *BackendToken) PendingCredential(_ context.Context, landing *url.URL) (string, error) {
	if landing == nil {
		return "", nil
	}
	q := landing.Query()
	if reason := q.Get(CallbackErrorParam); reason != "" {
		return "", errors.Wrap(ErrCallbackRejected, reason)
	}
	return q.Get(CallbackTokenParam), nil
}

// SignOut is a no-op: the backend keeps no session besides the bearer token.
func (b *BackendToken) SignOut(context.Context) error { return nil }
