package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

var ErrGoogleDisabled = errors.New("google sign-in is not configured")

// Identity is what the backend keeps from a validated Google ID token.
type Identity struct {
	GoogleID string
	Email    string
	Name     string
	Picture  string
}

// IDTokenValidator checks a Google ID token against an audience.
type IDTokenValidator func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Google runs the OAuth 2.0 authorization-code flow against Google and
// validates the ID tokens it (or a browser popup) hands out.
type Google struct {
	oauth    *oauth2.Config
	validate IDTokenValidator
}

func NewGoogle(clientID, clientSecret, redirectURL string) *Google {
	if clientID == "" {
		return &Google{}
	}
	return &Google{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		validate: idtoken.Validate,
	}
}

// WithValidator replaces Google's signature check, for tests.
func (g *Google) WithValidator(v IDTokenValidator) *Google {
	g.validate = v
	return g
}

// WithEndpoint points the code exchange at another token endpoint, for tests.
func (g *Google) WithEndpoint(e oauth2.Endpoint) *Google {
	if g.oauth != nil {
		g.oauth.Endpoint = e
	}
	return g
}

func (g *Google) Enabled() bool { return g.oauth != nil }

// AuthCodeURL is the consent screen URL carrying state.
func (g *Google) AuthCodeURL(state string) (string, error) {
	if !g.Enabled() {
		return "", ErrGoogleDisabled
	}
	return g.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("prompt", "select_account"),
	), nil
}

// Exchange trades an authorization code for the signed-in identity.
func (g *Google) Exchange(ctx context.Context, code string) (*Identity, error) {
	if !g.Enabled() {
		return nil, ErrGoogleDisabled
	}
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("token response carried no id_token")
	}
	return g.VerifyIDToken(ctx, raw)
}

// VerifyIDToken validates a Google ID token issued for this client.
func (g *Google) VerifyIDToken(ctx context.Context, raw string) (*Identity, error) {
	if !g.Enabled() {
		return nil, ErrGoogleDisabled
	}
	payload, err := g.validate(ctx, raw, g.oauth.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id := &Identity{
		GoogleID: payload.Subject,
		Email:    stringClaim(payload.Claims, "email"),
		Name:     stringClaim(payload.Claims, "name"),
		Picture:  stringClaim(payload.Claims, "picture"),
	}
	if id.GoogleID == "" || id.Email == "" {
		return nil, fmt.Errorf("%w: id token lacks subject or email", ErrInvalidToken)
	}
	return id, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}
