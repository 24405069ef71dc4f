package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type FlowState int

const (
	FlowInit FlowState = iota
	FlowResourceDiscovered
	FlowAuthServerValidated
	FlowPushed
	FlowAwaitingCallback
	FlowExchanged
	FlowDone
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowInit:
		return "init"
	case FlowResourceDiscovered:
		return "resource_discovered"
	case FlowAuthServerValidated:
		return "auth_server_validated"
	case FlowPushed:
		return "pushed"
	case FlowAwaitingCallback:
		return "awaiting_callback"
	case FlowExchanged:
		return "exchanged"
	case FlowDone:
		return "done"
	case FlowFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// FlowError reports the last state a login attempt reached before failing.
type FlowError struct {
	State FlowState
	Err   error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("oauth flow failed after %s: %s", e.State, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Resolver turns a handle or did into the account did and its pds.
type Resolver interface {
	ResolvePds(ctx context.Context, input string) (did string, pds string, err error)
}

type Flow struct {
	client    *Client
	store     Store
	scheduler RefreshScheduler
	resolver  Resolver
	logger    *slog.Logger
	now       func() time.Time
}

type FlowArgs struct {
	Client    *Client
	Store     Store
	Scheduler RefreshScheduler
	Resolver  Resolver
	Logger    *slog.Logger
}

func NewFlow(args FlowArgs) (*Flow, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}

	if args.Store == nil {
		return nil, fmt.Errorf("no store provided")
	}

	if args.Scheduler == nil {
		return nil, fmt.Errorf("no refresh scheduler provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Flow{
		client:    args.Client,
		store:     args.Store,
		scheduler: args.Scheduler,
		resolver:  args.Resolver,
		logger:    args.Logger.With("component", "oauth-flow"),
		now:       time.Now,
	}, nil
}

type LoginArgs struct {
	// Input is a handle, a did, or an https pds url.
	Input       string
	Destination string
}

type LoginResult struct {
	RedirectUrl string
	State       string
	Did         string
	FlowState   FlowState
}

func (f *Flow) Login(ctx context.Context, args LoginArgs) (*LoginResult, error) {
	state := FlowInit
	fail := func(err error) error {
		return &FlowError{State: state, Err: err}
	}

	did, pds, loginHint, err := f.resolveInput(ctx, args.Input)
	if err != nil {
		return nil, fail(err)
	}

	authServer, err := f.client.ResolvePdsAuthServer(ctx, pds)
	if err != nil {
		return nil, fail(err)
	}
	state = FlowResourceDiscovered

	meta, err := f.client.FetchAuthServerMetadata(ctx, authServer)
	if err != nil {
		return nil, fail(err)
	}
	state = FlowAuthServerValidated

	dpopKey, err := GenerateKey(nil)
	if err != nil {
		return nil, fail(err)
	}

	dpopKeyJson, err := json.Marshal(dpopKey)
	if err != nil {
		return nil, fail(err)
	}

	parResp, err := f.client.SendParAuthRequest(ctx, meta, loginHint, dpopKey)
	if err != nil {
		return nil, fail(err)
	}
	state = FlowPushed

	now := f.now()
	oauthRequest := &OauthRequest{
		State:          parResp.State,
		Nonce:          uuid.NewString(),
		PkceVerifier:   parResp.PkceVerifier,
		Issuer:         meta.Issuer,
		Did:            did,
		PdsUrl:         pds,
		ClientKid:      parResp.ClientKid,
		DpopPrivateJwk: string(dpopKeyJson),
		Destination:    args.Destination,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(parResp.ExpiresIn) * time.Second),
	}

	if err := f.store.SaveRequest(ctx, oauthRequest); err != nil {
		return nil, fail(err)
	}

	redirectUrl, err := f.client.AuthorizeUrl(meta, parResp.RequestUri)
	if err != nil {
		return nil, fail(err)
	}
	state = FlowAwaitingCallback

	f.logger.Debug("login pushed", "did", did, "issuer", meta.Issuer, "clientKid", parResp.ClientKid)

	return &LoginResult{
		RedirectUrl: redirectUrl,
		State:       parResp.State,
		Did:         did,
		FlowState:   state,
	}, nil
}

func (f *Flow) resolveInput(ctx context.Context, input string) (did, pds, loginHint string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", "", "", fmt.Errorf("login input is empty")
	}

	if strings.HasPrefix(input, "https://") || strings.HasPrefix(input, "http://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", "", "", err
		}
		u.Path = ""
		u.RawQuery = ""
		u.Fragment = ""
		u.User = nil
		return "", u.String(), "", nil
	}

	if f.resolver == nil {
		return "", "", "", fmt.Errorf("no resolver configured for %q", input)
	}

	did, pds, err = f.resolver.ResolvePds(ctx, input)
	if err != nil {
		return "", "", "", err
	}

	return did, pds, input, nil
}

type CallbackArgs struct {
	State string
	Iss   string
	Code  string
}

type CallbackResult struct {
	Session     *OauthSession
	Destination string
	FlowState   FlowState
}

// Callback completes a login. The request is deleted as soon as it is read
// so a state value can only be used once.
func (f *Flow) Callback(ctx context.Context, args CallbackArgs) (*CallbackResult, error) {
	state := FlowAwaitingCallback
	fail := func(err error) error {
		return &FlowError{State: state, Err: err}
	}

	if args.State == "" || args.Iss == "" || args.Code == "" {
		return nil, fail(ErrCallbackIncomplete)
	}

	oauthRequest, err := f.store.GetRequest(ctx, args.State)
	if err != nil {
		return nil, fail(err)
	}

	if err := f.store.DeleteRequest(ctx, args.State); err != nil {
		f.logger.Error("failed to delete oauth request", "err", err)
	}

	if !f.now().Before(oauthRequest.ExpiresAt) {
		return nil, fail(ErrRequestExpired)
	}

	if args.Iss != oauthRequest.Issuer {
		return nil, fail(ErrIssuerMismatch)
	}

	dpopKey, err := ParseDpopKey(oauthRequest.DpopPrivateJwk)
	if err != nil {
		return nil, fail(err)
	}

	meta, err := f.client.FetchAuthServerMetadata(ctx, oauthRequest.Issuer)
	if err != nil {
		return nil, fail(err)
	}

	tokenResp, err := f.client.InitialTokenRequest(ctx, meta, oauthRequest.ClientKid, args.Code, oauthRequest.PkceVerifier, dpopKey)
	if err != nil {
		return nil, fail(err)
	}
	state = FlowExchanged

	if oauthRequest.Did != "" && tokenResp.Sub != oauthRequest.Did {
		return nil, fail(ErrSubjectMismatch)
	}

	now := f.now()
	sess := &OauthSession{
		SessionGroup:         uuid.NewString(),
		AccessToken:          tokenResp.AccessToken,
		RefreshToken:         tokenResp.RefreshToken,
		Did:                  tokenResp.Sub,
		PdsUrl:               oauthRequest.PdsUrl,
		Issuer:               oauthRequest.Issuer,
		ClientKid:            oauthRequest.ClientKid,
		DpopPrivateJwk:       oauthRequest.DpopPrivateJwk,
		CreatedAt:            now,
		AccessTokenExpiresAt: now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}

	if err := f.store.SaveSession(ctx, sess); err != nil {
		return nil, fail(err)
	}

	// a session nothing will refresh is not kept
	if err := f.scheduler.Schedule(ctx, sess.SessionGroup, NextRefreshAt(now, tokenResp.ExpiresIn)); err != nil {
		if derr := f.store.DeleteSession(ctx, sess.SessionGroup); derr != nil {
			f.logger.Error("failed to delete unscheduled oauth session", "sessionGroup", sess.SessionGroup, "err", derr)
		}
		return nil, fail(err)
	}
	state = FlowDone

	f.logger.Info("oauth session created", "did", sess.Did, "sessionGroup", sess.SessionGroup)

	return &CallbackResult{
		Session:     sess,
		Destination: oauthRequest.Destination,
		FlowState:   state,
	}, nil
}

// Logout removes the session and its pending refresh.
func (f *Flow) Logout(ctx context.Context, sessionGroup string) error {
	var errs []error

	if err := f.store.DeleteSession(ctx, sessionGroup); err != nil {
		errs = append(errs, err)
	}

	if err := f.scheduler.Unschedule(ctx, sessionGroup); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
