// Package session owns the signed-in identity: which user is current, whether
// an identity operation is in flight, and the persisted bearer credential.
package session

import (
	"context"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"gwi.com/assistant-chat/internal/client"
	"gwi.com/assistant-chat/internal/credstore"
)

// AuthAPI is the part of the backend the manager talks to.
type AuthAPI interface {
	Verify(ctx context.Context, token string) (*client.User, error)
	Me(ctx context.Context, token string) (*client.User, error)
}

// Manager is the session context object. It is handed to the transport as a
// client.TokenSource and torn down by Logout.
type Manager struct {
	api      AuthAPI
	strategy IdentityStrategy
	creds    credstore.Store

	mu           sync.Mutex
	state        State
	user         *client.User
	credential   string
	loading      bool
	bootstrapped bool

	listenerSeq int
	listeners   map[int]func(Snapshot)
}

var _ client.TokenSource = &Manager{}

func NewManager(api AuthAPI, strategy IdentityStrategy, creds credstore.Store) *Manager {
	return &Manager{
		api:       api,
		strategy:  strategy,
		creds:     creds,
		state:     Anonymous,
		listeners: map[int]func(Snapshot){},
	}
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:           m.state,
		User:            m.user,
		IsAuthenticated: m.user != nil,
		IsLoading:       m.loading,
		Strategy:        m.strategy.Kind(),
	}
}

// OnChange registers fn to run after every transition. The returned function
// removes it.
func (m *Manager) OnChange(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Token implements client.TokenSource.
func (m *Manager) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential, nil
}

// update applies fn under the lock and notifies listeners outside of it.
func (m *Manager) update(fn func(m *Manager)) {
	m.mu.Lock()
	fn(m)
	snap := m.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// startLoading raises the loading flag; the returned func lowers it and must
// be deferred so every exit path resets it.
func (m *Manager) startLoading() func() {
	m.update(func(m *Manager) { m.loading = true })
	return func() {
		m.update(func(m *Manager) { m.loading = false })
	}
}

// Bootstrap performs the startup identity check once. It looks for a
// credential delivered from outside (landing URL or provider redirect result)
// and falls back to the persisted one. A missing or rejected credential is a
// normal outcome and is not reported as an error.
func (m *Manager) Bootstrap(ctx context.Context, landing *url.URL) error {
	m.mu.Lock()
	if m.bootstrapped {
		m.mu.Unlock()
		return nil
	}
	m.bootstrapped = true
	m.mu.Unlock()

	done := m.startLoading()
	defer done()

	token, err := m.strategy.PendingCredential(ctx, landing)
	if err != nil {
		log.Warn().Err(err).Str("strategy", string(m.strategy.Kind())).Msg("Discarding external sign-in result")
	}
	if token != "" {
		if err := m.verify(ctx, token); err != nil {
			log.Info().Err(err).Msg("External credential rejected")
		}
		return nil
	}

	stored, err := m.creds.Get(ctx, credstore.TokenKey)
	if errors.Is(err, credstore.ErrNotFound) {
		log.Debug().Msg("No persisted credential, staying anonymous")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load persisted credential")
	}
	if err := m.verify(ctx, stored); err != nil {
		log.Info().Err(err).Msg("Persisted credential rejected")
	}
	return nil
}

// SignIn starts the configured strategy. OutcomeRedirecting means the flow
// resumes through Bootstrap on the next start; the state stays Authenticating
// until then.
func (m *Manager) SignIn(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	alreadyIn := m.state == Authenticated && m.user != nil
	m.mu.Unlock()
	if alreadyIn {
		return OutcomeAuthenticated, nil
	}

	done := m.startLoading()
	defer done()

	m.update(func(m *Manager) { m.state = Authenticating })

	token, outcome, err := m.strategy.SignIn(ctx)
	if err != nil {
		log.Error().Err(err).Str("strategy", string(m.strategy.Kind())).Msg("Sign in error")
		m.update(func(m *Manager) { m.state = Anonymous })
		return outcome, err
	}
	if outcome == OutcomeRedirecting {
		return outcome, nil
	}
	if token == "" {
		m.update(func(m *Manager) { m.state = Anonymous })
		return outcome, errors.New("identity provider returned an empty credential")
	}
	return OutcomeAuthenticated, m.verify(ctx, token)
}

// SetTokenFromURL verifies a credential received through the OAuth callback
// and, on success, persists it.
func (m *Manager) SetTokenFromURL(ctx context.Context, token string) error {
	done := m.startLoading()
	defer done()
	return m.verify(ctx, token)
}

// CheckAuth verifies the persisted credential. Having none is not an error.
func (m *Manager) CheckAuth(ctx context.Context) error {
	done := m.startLoading()
	defer done()

	stored, err := m.creds.Get(ctx, credstore.TokenKey)
	if errors.Is(err, credstore.ErrNotFound) {
		m.update(func(m *Manager) {
			m.state = Anonymous
			m.user = nil
			m.credential = ""
		})
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load persisted credential")
	}
	return m.verify(ctx, stored)
}

// RefreshUser reloads the user record for the held credential.
func (m *Manager) RefreshUser(ctx context.Context) error {
	token, _ := m.Token()
	if token == "" {
		return ErrNoCredential
	}
	user, err := m.api.Me(ctx, token)
	if err != nil {
		if errors.Is(err, client.ErrInvalidCredential) {
			m.fail(ctx, err)
		}
		return err
	}
	m.update(func(m *Manager) {
		if m.credential == token {
			m.user = user
		}
	})
	return nil
}

// Logout clears the persisted and in-memory credential and signs out of the
// provider on a best-effort basis. Logging out while anonymous does nothing.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	anonymous := m.state == Anonymous && m.user == nil && m.credential == ""
	m.mu.Unlock()
	if anonymous {
		return nil
	}

	if err := m.strategy.SignOut(ctx); err != nil {
		log.Warn().Err(err).Msg("Provider sign out failed")
	}

	m.update(func(m *Manager) {
		m.state = Anonymous
		m.user = nil
		m.credential = ""
	})
	if err := m.creds.Delete(ctx, credstore.TokenKey); err != nil {
		return errors.Wrap(err, "clear persisted credential")
	}
	log.Info().Msg("Signed out")
	return nil
}

// verify checks token with the backend and adopts it on success. Callers own
// the loading flag.
func (m *Manager) verify(ctx context.Context, token string) error {
	m.update(func(m *Manager) { m.state = Authenticating })

	user, err := m.api.Verify(ctx, token)
	if err != nil {
		m.fail(ctx, err)
		return err
	}

	m.update(func(m *Manager) {
		m.state = Authenticated
		m.user = user
		m.credential = token
	})
	log.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("Session established")

	if err := m.creds.Set(ctx, credstore.TokenKey, token); err != nil {
		return errors.Wrap(err, "persist credential")
	}
	return nil
}

// fail publishes AuthFailed, wipes the credential and collapses to Anonymous.
func (m *Manager) fail(ctx context.Context, cause error) {
	m.update(func(m *Manager) {
		m.state = AuthFailed
		m.user = nil
		m.credential = ""
	})
	if err := m.creds.Delete(context.WithoutCancel(ctx), credstore.TokenKey); err != nil {
		log.Error().Err(err).Msg("Failed to clear persisted credential")
	}
	m.update(func(m *Manager) { m.state = Anonymous })
	log.Debug().Err(cause).Msg("Credential verification failed")
}
