package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	purposeSession = "session"
	purposeState   = "oauth_state"

	stateTTL = 10 * time.Minute
)

var ErrInvalidToken = errors.New("invalid token")

// Issuer signs and checks the backend's own HS256 tokens: session tokens
// handed to clients and the short-lived OAuth state parameter.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

type claims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// GenerateJWT issues a session token for userID.
func (i *Issuer) GenerateJWT(userID string) (string, error) {
	return i.sign(userID, purposeSession, i.ttl)
}

// ValidateJWT returns the user id carried by a session token.
func (i *Issuer) ValidateJWT(tokenString string) (string, error) {
	c, err := i.parse(tokenString, purposeSession)
	if err != nil {
		return "", err
	}
	if c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}

// NewState issues an opaque, signed OAuth state value.
func (i *Issuer) NewState() (string, error) {
	return i.sign(uuid.NewString(), purposeState, stateTTL)
}

func (i *Issuer) ValidateState(state string) error {
	_, err := i.parse(state, purposeState)
	return err
}

func (i *Issuer) sign(subject, purpose string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(i.secret)
}

func (i *Issuer) parse(tokenString, purpose string) (*claims, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Purpose != purpose {
		return nil, ErrInvalidToken
	}
	return &c, nil
}
