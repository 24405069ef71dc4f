package oauth

import (
	"context"
	"sync"
	"time"
)

// Store persists oauth requests by state and sessions by session group.
// GetRequest and GetSession return ErrRequestNotFound and ErrSessionNotFound
// respectively when nothing matches.
type Store interface {
	SaveRequest(ctx context.Context, req *OauthRequest) error
	GetRequest(ctx context.Context, state string) (*OauthRequest, error)
	DeleteRequest(ctx context.Context, state string) error

	SaveSession(ctx context.Context, sess *OauthSession) error
	// GetSession looks a session up by group. A non-empty did narrows the
	// lookup to that account.
	GetSession(ctx context.Context, sessionGroup, did string) (*OauthSession, error)
	UpdateSessionTokens(ctx context.Context, sessionGroup, accessToken, refreshToken string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, sessionGroup string) error
}

// RefreshScheduler arms and disarms the background refresh of a session.
type RefreshScheduler interface {
	Schedule(ctx context.Context, sessionGroup string, at time.Time) error
	Unschedule(ctx context.Context, sessionGroup string) error
}

// NextRefreshAt is when a token issued at now with the given lifetime should
// be refreshed: 80% of the way through.
func NextRefreshAt(now time.Time, expiresIn int64) time.Time {
	return now.Add(time.Duration(float64(expiresIn) * 0.8 * float64(time.Second)))
}

// MemStore keeps everything in process memory. It is meant for tests and demos.
type MemStore struct {
	requests map[string]OauthRequest
	sessions map[string]OauthSession

	lk sync.Mutex
}

var _ Store = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[string]OauthRequest),
		sessions: make(map[string]OauthSession),
	}
}

func (m *MemStore) SaveRequest(ctx context.Context, req *OauthRequest) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.requests[req.State] = *req
	return nil
}

func (m *MemStore) GetRequest(ctx context.Context, state string) (*OauthRequest, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	req, ok := m.requests[state]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &req, nil
}

func (m *MemStore) DeleteRequest(ctx context.Context, state string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.requests, state)
	return nil
}

func (m *MemStore) SaveSession(ctx context.Context, sess *OauthSession) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.sessions[sess.SessionGroup] = *sess
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, sessionGroup, did string) (*OauthSession, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	sess, ok := m.sessions[sessionGroup]
	if !ok || (did != "" && sess.Did != did) {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (m *MemStore) UpdateSessionTokens(ctx context.Context, sessionGroup, accessToken, refreshToken string, expiresAt time.Time) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	sess, ok := m.sessions[sessionGroup]
	if !ok {
		return ErrSessionNotFound
	}

	sess.AccessToken = accessToken
	sess.RefreshToken = refreshToken
	sess.AccessTokenExpiresAt = expiresAt
	m.sessions[sessionGroup] = sess
	return nil
}

func (m *MemStore) DeleteSession(ctx context.Context, sessionGroup string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.sessions, sessionGroup)
	return nil
}
