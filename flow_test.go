package oauth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingScheduler struct {
	mu          sync.Mutex
	scheduled   map[string]time.Time
	unscheduled []string
	err         error
}

func (r *recordingScheduler) Schedule(ctx context.Context, sessionGroup string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	if r.scheduled == nil {
		r.scheduled = map[string]time.Time{}
	}
	r.scheduled[sessionGroup] = at
	return nil
}

func (r *recordingScheduler) Unschedule(ctx context.Context, sessionGroup string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.scheduled, sessionGroup)
	r.unscheduled = append(r.unscheduled, sessionGroup)
	return nil
}

type staticResolver struct {
	did string
	pds string
}

func (s staticResolver) ResolvePds(ctx context.Context, input string) (string, string, error) {
	return s.did, s.pds, nil
}

func newTestFlow(t *testing.T, ts *testAuthServer) (*Flow, *MemStore, *recordingScheduler) {
	store := NewMemStore()
	sched := &recordingScheduler{}

	flow, err := NewFlow(FlowArgs{
		Client:    newTestClient(t, newTestKeyRing(t, "client-1")),
		Store:     store,
		Scheduler: sched,
		Resolver:  staticResolver{did: "did:plc:alice", pds: ts.URL()},
	})
	require.NoError(t, err)

	return flow, store, sched
}

func TestLoginAndCallback(t *testing.T) {
	assert := assert.New(t)
	ts := newTestAuthServer(t)
	flow, store, sched := newTestFlow(t, ts)

	login, err := flow.Login(ctx, LoginArgs{Input: "alice.example.com", Destination: "/events/1"})
	require.NoError(t, err)
	assert.Equal("did:plc:alice", login.Did)
	assert.Equal(FlowAwaitingCallback, login.FlowState)

	u, err := url.Parse(login.RedirectUrl)
	require.NoError(t, err)
	assert.Equal("/oauth/authorize", u.Path)
	assert.Equal("urn:ietf:params:oauth:request_uri:abc", u.Query().Get("request_uri"))
	assert.Equal("alice.example.com", ts.parForms[0].Get("login_hint"))

	req, err := store.GetRequest(ctx, login.State)
	require.NoError(t, err)
	assert.Equal(ts.URL(), req.Issuer)
	assert.Equal("client-1", req.ClientKid)
	assert.Equal("/events/1", req.Destination)
	assert.NotEmpty(req.Nonce)
	assert.WithinDuration(time.Now().Add(299*time.Second), req.ExpiresAt, 5*time.Second)

	before := time.Now()
	res, err := flow.Callback(ctx, CallbackArgs{State: login.State, Iss: ts.URL(), Code: "code-1"})
	require.NoError(t, err)

	assert.Equal("/events/1", res.Destination)
	assert.Equal(FlowDone, res.FlowState)
	assert.Equal("did:plc:alice", res.Session.Did)
	assert.Equal("access-1", res.Session.AccessToken)
	assert.Equal(req.DpopPrivateJwk, res.Session.DpopPrivateJwk)

	_, err = store.GetRequest(ctx, login.State)
	assert.ErrorIs(err, ErrRequestNotFound)

	stored, err := store.GetSession(ctx, res.Session.SessionGroup, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal("refresh-1", stored.RefreshToken)

	at, ok := sched.scheduled[res.Session.SessionGroup]
	require.True(t, ok)
	assert.WithinDuration(before.Add(2880*time.Second), at, 5*time.Second)

	// the state is single use
	_, err = flow.Callback(ctx, CallbackArgs{State: login.State, Iss: ts.URL(), Code: "code-1"})
	assert.ErrorIs(err, ErrRequestNotFound)

	require.NoError(t, flow.Logout(ctx, res.Session.SessionGroup))
	_, err = store.GetSession(ctx, res.Session.SessionGroup, "")
	assert.ErrorIs(err, ErrSessionNotFound)
	assert.Equal([]string{res.Session.SessionGroup}, sched.unscheduled)
}

func TestCallbackRejections(t *testing.T) {
	ts := newTestAuthServer(t)

	t.Run("incomplete", func(t *testing.T) {
		flow, _, _ := newTestFlow(t, ts)
		_, err := flow.Callback(ctx, CallbackArgs{State: "s"})
		assert.ErrorIs(t, err, ErrCallbackIncomplete)
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		flow, _, _ := newTestFlow(t, ts)
		login, err := flow.Login(ctx, LoginArgs{Input: "alice.example.com"})
		require.NoError(t, err)

		_, err = flow.Callback(ctx, CallbackArgs{State: login.State, Iss: "https://evil.example.com", Code: "c"})
		assert.ErrorIs(t, err, ErrIssuerMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		flow, _, _ := newTestFlow(t, ts)
		login, err := flow.Login(ctx, LoginArgs{Input: "alice.example.com"})
		require.NoError(t, err)

		flow.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err = flow.Callback(ctx, CallbackArgs{State: login.State, Iss: ts.URL(), Code: "c"})
		assert.ErrorIs(t, err, ErrRequestExpired)
	})

	t.Run("subject mismatch", func(t *testing.T) {
		flow, _, sched := newTestFlow(t, ts)
		flow.resolver = staticResolver{did: "did:plc:bob", pds: ts.URL()}

		login, err := flow.Login(ctx, LoginArgs{Input: "bob.example.com"})
		require.NoError(t, err)

		_, err = flow.Callback(ctx, CallbackArgs{State: login.State, Iss: ts.URL(), Code: "c"})
		assert.ErrorIs(t, err, ErrSubjectMismatch)

		var flowErr *FlowError
		require.ErrorAs(t, err, &flowErr)
		assert.Equal(t, FlowExchanged, flowErr.State)
		assert.Empty(t, sched.scheduled)
	})

	t.Run("schedule failure", func(t *testing.T) {
		flow, store, sched := newTestFlow(t, ts)
		sched.err = errors.New("redis unavailable")

		login, err := flow.Login(ctx, LoginArgs{Input: "alice.example.com"})
		require.NoError(t, err)

		_, err = flow.Callback(ctx, CallbackArgs{State: login.State, Iss: ts.URL(), Code: "c"})
		assert.ErrorIs(t, err, sched.err)

		var flowErr *FlowError
		require.ErrorAs(t, err, &flowErr)
		assert.Equal(t, FlowExchanged, flowErr.State)

		assert.Empty(t, store.sessions)
	})
}

func TestLoginWithPdsUrl(t *testing.T) {
	assert := assert.New(t)
	ts := newTestAuthServer(t)
	flow, _, _ := newTestFlow(t, ts)
	flow.resolver = nil

	login, err := flow.Login(ctx, LoginArgs{Input: ts.URL() + "/some/path"})
	require.NoError(t, err)
	assert.Empty(login.Did)
	assert.Empty(ts.parForms[0].Get("login_hint"))
}
