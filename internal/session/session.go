// Package session owns the bearer token shared by every request pipeline.
//
// The Manager authenticates against the manager with the enrollment uuid and
// key, tracks the token's exp claim, and re-authenticates shortly before
// expiry. Pipelines that hit a 401 call TryReAuthenticate, which collapses
// concurrent requests into a single refresh (single-flight) by cancelling the
// expiry sleep.
//
// The token itself lives in a TokenRef: writes replace the whole value and
// readers take a snapshot per iteration, so no pipeline ever observes a
// partially-updated token.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/telemetry"
)

// tokenPreExpiry is how long before the exp claim the token is refreshed.
const tokenPreExpiry = 2 * time.Second

// ErrUnauthorized is returned when authentication fails or the token carries
// no usable expiry.
var ErrUnauthorized = errors.New("session: authentication failed")

// TokenRef is an atomic holder for the shared bearer token.
type TokenRef struct {
	v atomic.Value
}

// NewTokenRef returns an empty token holder.
func NewTokenRef() *TokenRef {
	t := &TokenRef{}
	t.v.Store("")
	return t
}

// Get returns a snapshot of the current token.
func (t *TokenRef) Get() string { return t.v.Load().(string) }

// Set replaces the token wholesale.
func (t *TokenRef) Set(s string) { t.v.Store(s) }

// Clear empties the token.
func (t *TokenRef) Clear() { t.v.Store("") }

// authClient is the slice of the transport client the session needs.
type authClient interface {
	AuthenticateWithUUIDAndKey(ctx context.Context, host, port, userAgent, uuid, key string, useTLS bool) (string, error)
}

// Credentials identify this agent to the manager.
type Credentials struct {
	Host      string
	Port      string
	UserAgent string
	UUID      string
	Key       string
	UseTLS    bool
}

// Manager acquires and refreshes the bearer token.
type Manager struct {
	client authClient
	creds  Credentials
	logger *zap.Logger

	token *TokenRef
	// expiresAt is the token's exp claim in epoch seconds. 1 forces an
	// immediate retry.
	expiresAt atomic.Int64

	// reauthMu is the single-flight guard: TryReAuthenticate is a no-op when
	// another caller holds it.
	reauthMu sync.Mutex
	// wake cancels the expiry sleep in WaitAndReauthenticate.
	wake chan struct{}
}

// NewManager builds a session manager. The returned manager holds an empty
// token until Authenticate or WaitAndReauthenticate succeeds.
func NewManager(client authClient, creds Credentials, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		creds:  creds,
		logger: logger.Named("session"),
		token:  NewTokenRef(),
		wake:   make(chan struct{}, 1),
	}
}

// Token returns the shared token holder read by the request pipelines.
func (m *Manager) Token() *TokenRef { return m.token }

// Authenticate requests a fresh token and records its expiry. On failure, or
// when the token has no exp claim, the stored token is cleared and the expiry
// is forced to 1 so the refresh loop retries immediately.
func (m *Manager) Authenticate(ctx context.Context) error {
	token, err := m.client.AuthenticateWithUUIDAndKey(
		ctx, m.creds.Host, m.creds.Port, m.creds.UserAgent, m.creds.UUID, m.creds.Key, m.creds.UseTLS)
	if err != nil {
		m.logger.Warn("failed to authenticate with the manager", zap.Error(err))
		m.invalidate()
		return ErrUnauthorized
	}

	exp, err := tokenExpiry(token)
	if err != nil {
		m.logger.Error("rejecting token", zap.Error(err))
		m.invalidate()
		return ErrUnauthorized
	}

	m.token.Set(token)
	m.expiresAt.Store(exp)
	m.logger.Info("authenticated with the manager",
		zap.Int64("token_valid_secs", m.RemainingSeconds()),
	)
	return nil
}

func (m *Manager) invalidate() {
	telemetry.AuthFailures.Inc()
	m.token.Clear()
	m.expiresAt.Store(1)
}

// tokenExpiry extracts the exp claim in epoch seconds. The signature is not
// verified client-side; only the expiry is consumed.
func tokenExpiry(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, errors.New("session: token is not a parseable JWT")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, errors.New("session: token does not contain an exp claim")
	}
	return exp.Unix(), nil
}

// RemainingSeconds returns the seconds until the token expires, floored at 0.
func (m *Manager) RemainingSeconds() int64 {
	remaining := m.expiresAt.Load() - time.Now().Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WaitAndReauthenticate runs the refresh loop until ctx is cancelled: it
// authenticates, sleeps until shortly before the token expires (one second on
// failure), and repeats. TryReAuthenticate interrupts the sleep, causing an
// immediate refresh.
func (m *Manager) WaitAndReauthenticate(ctx context.Context) error {
	for ctx.Err() == nil {
		var wait time.Duration
		if err := m.Authenticate(ctx); err != nil {
			wait = time.Second
		} else {
			wait = time.Duration(m.RemainingSeconds())*time.Second - tokenPreExpiry
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("session manager stopped")
			return nil
		case <-m.wake:
			timer.Stop()
			m.logger.Debug("token timer canceled, re-authenticating")
		case <-timer.C:
		}
	}
	return nil
}

// TryReAuthenticate requests an immediate token refresh. It is best-effort
// single-flight: when another refresh request is already in progress the call
// returns without action.
func (m *Manager) TryReAuthenticate() {
	if !m.reauthMu.TryLock() {
		m.logger.Debug("re-authentication already in progress")
		return
	}
	defer m.reauthMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
		// A wake-up is already queued.
	}
}
