package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// signedToken builds a real HS256 token with the given expiry. Only the exp
// claim matters to the session manager; the signature is never verified.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
		"sub": "agent",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func tokenWithoutExp(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "agent",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

// fakeAuthClient scripts the token returned per authentication attempt.
type fakeAuthClient struct {
	calls  atomic.Int64
	issue  func(call int64) (string, error)
	called chan struct{}
}

func (f *fakeAuthClient) AuthenticateWithUUIDAndKey(ctx context.Context, host, port, userAgent, uuid, key string, useTLS bool) (string, error) {
	n := f.calls.Add(1)
	if f.called != nil {
		select {
		case f.called <- struct{}{}:
		default:
		}
	}
	return f.issue(n)
}

func TestAuthenticateStoresTokenAndExpiry(t *testing.T) {
	token := signedToken(t, time.Now().Add(60*time.Second))
	client := &fakeAuthClient{issue: func(int64) (string, error) { return token, nil }}
	m := NewManager(client, Credentials{UUID: "u", Key: "k"}, zap.NewNop())

	require.NoError(t, m.Authenticate(context.Background()))
	require.Equal(t, token, m.Token().Get())

	remaining := m.RemainingSeconds()
	require.Greater(t, remaining, int64(55))
	require.LessOrEqual(t, remaining, int64(60))
}

func TestAuthenticateFailureClearsToken(t *testing.T) {
	client := &fakeAuthClient{issue: func(int64) (string, error) {
		return "", errors.New("manager unreachable")
	}}
	m := NewManager(client, Credentials{}, zap.NewNop())
	m.Token().Set("stale")

	err := m.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Empty(t, m.Token().Get())
	require.Zero(t, m.RemainingSeconds())
}

func TestAuthenticateRejectsTokenWithoutExp(t *testing.T) {
	token := tokenWithoutExp(t)
	client := &fakeAuthClient{issue: func(int64) (string, error) { return token, nil }}
	m := NewManager(client, Credentials{}, zap.NewNop())

	err := m.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Empty(t, m.Token().Get())
}

func TestAuthenticateRejectsMalformedToken(t *testing.T) {
	client := &fakeAuthClient{issue: func(int64) (string, error) { return "not-a-jwt", nil }}
	m := NewManager(client, Credentials{}, zap.NewNop())

	err := m.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(90 * time.Second)
	got, err := tokenExpiry(signedToken(t, exp))
	require.NoError(t, err)
	require.Equal(t, exp.Unix(), got)

	_, err = tokenExpiry(tokenWithoutExp(t))
	require.Error(t, err)

	_, err = tokenExpiry("garbage")
	require.Error(t, err)
}

func TestWaitAndReauthenticateRefreshesBeforeExpiry(t *testing.T) {
	// Tokens expire 3s out; the refresh fires 2s before expiry, so the second
	// authentication must happen roughly one second after the first.
	client := &fakeAuthClient{
		called: make(chan struct{}, 4),
		issue: func(int64) (string, error) {
			return signedToken(t, time.Now().Add(3*time.Second)), nil
		},
	}
	m := NewManager(client, Credentials{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.WaitAndReauthenticate(ctx)
		close(done)
	}()

	start := time.Now()
	for i := 0; i < 2; i++ {
		select {
		case <-client.called:
		case <-time.After(5 * time.Second):
			t.Fatalf("authentication attempt %d never happened", i+1)
		}
	}
	require.Less(t, time.Since(start), 3*time.Second,
		"second authentication should fire before the first token expires")

	cancel()
	<-done
}

func TestWaitAndReauthenticateRetriesAfterFailure(t *testing.T) {
	client := &fakeAuthClient{
		called: make(chan struct{}, 4),
		issue: func(call int64) (string, error) {
			if call == 1 {
				return "", errors.New("manager down")
			}
			return signedToken(t, time.Now().Add(time.Hour)), nil
		},
	}
	m := NewManager(client, Credentials{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.WaitAndReauthenticate(ctx)
		close(done)
	}()

	// First attempt fails; the retry lands about a second later.
	<-client.called
	select {
	case <-client.called:
	case <-time.After(5 * time.Second):
		t.Fatal("no retry after failed authentication")
	}

	require.Eventually(t, func() bool {
		return m.Token().Get() != ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestTryReAuthenticateWakesRefreshLoop(t *testing.T) {
	client := &fakeAuthClient{
		called: make(chan struct{}, 4),
		issue: func(int64) (string, error) {
			return signedToken(t, time.Now().Add(time.Hour)), nil
		},
	}
	m := NewManager(client, Credentials{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.WaitAndReauthenticate(ctx)
		close(done)
	}()

	// First authentication, then the loop sleeps for ~an hour.
	<-client.called

	m.TryReAuthenticate()
	select {
	case <-client.called:
	case <-time.After(5 * time.Second):
		t.Fatal("TryReAuthenticate did not interrupt the expiry sleep")
	}

	cancel()
	<-done
}

func TestTryReAuthenticateIsSingleFlight(t *testing.T) {
	m := NewManager(&fakeAuthClient{issue: func(int64) (string, error) {
		return "", nil
	}}, Credentials{}, zap.NewNop())

	// While another caller holds the guard, the call is a no-op.
	m.reauthMu.Lock()
	m.TryReAuthenticate()
	require.Empty(t, m.wake)
	m.reauthMu.Unlock()

	m.TryReAuthenticate()
	require.Len(t, m.wake, 1)

	// A second request while one wake-up is queued does not queue another.
	m.TryReAuthenticate()
	require.Len(t, m.wake, 1)
}

func TestTokenRefIsSafeForConcurrentUse(t *testing.T) {
	ref := NewTokenRef()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			ref.Set("token")
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		v := ref.Get()
		require.True(t, v == "" || v == "token")
	}
	<-done
}
