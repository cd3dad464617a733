package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// OAuth2Config configures an OAuth2Provider against a GoTrue-style backend
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	SignUpURL    string
	LogoutURL    string
	UserURL      string
	// IssuerURL enables OIDC discovery and id_token verification
	IssuerURL string
	Scopes    []string

	HTTPClient *http.Client
}

// ValidateConfig validates the provider configuration
func (c *OAuth2Config) ValidateConfig() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token_url is required")
	}
	return nil
}

// OAuth2Provider signs users in with the resource-owner password grant and
// keeps one browser session's token fresh through an oauth2.TokenSource.
type OAuth2Provider struct {
	cfg      OAuth2Config
	oauth2   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	events   broadcaster

	mu      sync.Mutex
	token   *oauth2.Token
	session *auth.Session
}

var (
	_ Provider        = (*OAuth2Provider)(nil)
	_ FragmentHandler = (*OAuth2Provider)(nil)
)

// OAuth2Option customizes an OAuth2Provider
type OAuth2Option func(*OAuth2Provider)

// WithIDTokenVerifier sets the verifier directly instead of discovering one
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) OAuth2Option {
	return func(p *OAuth2Provider) { p.verifier = v }
}

// NewOAuth2Provider creates a provider for one browser session
func NewOAuth2Provider(ctx context.Context, cfg OAuth2Config, opts ...OAuth2Option) (*OAuth2Provider, error) {
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}

	p := &OAuth2Provider{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.verifier == nil && cfg.IssuerURL != "" {
		provider, err := oidc.NewProvider(p.clientContext(ctx), cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
		}
		p.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}

	return p, nil
}

// clientContext makes oauth2 and oidc use the configured HTTP client
func (p *OAuth2Provider) clientContext(ctx context.Context) context.Context {
	if p.cfg.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
}

func (p *OAuth2Provider) httpClient() *http.Client {
	if p.cfg.HTTPClient != nil {
		return p.cfg.HTTPClient
	}
	return http.DefaultClient
}

// CurrentSession returns the session, refreshing an expired access token
// first. A failed refresh signs the browser session out.
func (p *OAuth2Provider) CurrentSession(ctx context.Context) (*auth.Session, error) {
	p.mu.Lock()
	tok, s := p.token, p.session
	p.mu.Unlock()

	if s == nil {
		return nil, nil
	}
	if tok.Valid() {
		return s, nil
	}
	if tok.RefreshToken == "" {
		p.clear()
		return nil, nil
	}

	refreshed, err := p.Refresh(ctx)
	if err != nil {
		p.clear()
		p.events.emit(Event{Type: EventSignedOut})
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return refreshed, nil
}

// SignInWithPassword exchanges credentials for a token and emits SIGNED_IN
func (p *OAuth2Provider) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	tok, err := p.oauth2.PasswordCredentialsToken(p.clientContext(ctx), email, password)
	if err != nil {
		return nil, mapTokenError(err)
	}
	s, err := p.sessionFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	p.set(tok, s)
	p.events.emit(Event{Type: EventSignedIn, Session: s})
	return s, nil
}

type signUpBody struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Data     map[string]string `json:"data,omitempty"`
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	TokenType    string          `json:"token_type"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int64           `json:"expires_in"`
	User         json.RawMessage `json:"user"`
	Error        string          `json:"error"`
	Message      string          `json:"msg"`
	Description  string          `json:"error_description"`
}

// SignUp registers a user. The backend answers with a token when the account
// is usable at once, or with the bare user when the address needs confirming.
func (p *OAuth2Provider) SignUp(ctx context.Context, req SignUpRequest) (*auth.Session, error) {
	if p.cfg.SignUpURL == "" {
		return nil, fmt.Errorf("sign-up is not configured")
	}

	payload, err := json.Marshal(signUpBody{Email: req.Email, Password: req.Password, Data: req.Metadata})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.SignUpURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sign-up request failed: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode sign-up response: %w", err)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, body.message())
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sign-up failed with status %d: %s", resp.StatusCode, body.message())
	}
	if body.AccessToken == "" {
		return nil, nil
	}

	tok := body.token()
	s, err := p.sessionFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	p.set(tok, s)
	p.events.emit(Event{Type: EventSignedIn, Session: s})
	return s, nil
}

func (r *tokenResponse) message() string {
	for _, m := range []string{r.Message, r.Description, r.Error} {
		if m != "" {
			return m
		}
	}
	return "unknown error"
}

func (r *tokenResponse) token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	if len(r.User) > 0 {
		var user map[string]interface{}
		if err := json.Unmarshal(r.User, &user); err == nil {
			tok = tok.WithExtra(map[string]interface{}{"user": user})
		}
	}
	return tok
}

// SignOut always drops the local session and emits SIGNED_OUT; the error from
// the remote logout call, if any, is returned afterwards.
func (p *OAuth2Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()
	if tok == nil {
		return nil
	}

	var remoteErr error
	if p.cfg.LogoutURL != "" {
		remoteErr = p.remoteLogout(ctx, tok)
	}

	p.clear()
	p.events.emit(Event{Type: EventSignedOut})
	return remoteErr
}

func (p *OAuth2Provider) remoteLogout(ctx context.Context, tok *oauth2.Token) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.LogoutURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.oauth2.Client(p.clientContext(ctx), tok).Do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("logout failed with status %d", resp.StatusCode)
	}
	return nil
}

// Refresh exchanges the refresh token for a new access token and emits
// TOKEN_REFRESHED
func (p *OAuth2Provider) Refresh(ctx context.Context) (*auth.Session, error) {
	p.mu.Lock()
	old := p.token
	p.mu.Unlock()
	if old == nil || old.RefreshToken == "" {
		return nil, ErrNoSession
	}

	expired := *old
	expired.Expiry = time.Now().Add(-time.Minute)
	tok, err := p.oauth2.TokenSource(p.clientContext(ctx), &expired).Token()
	if err != nil {
		return nil, mapTokenError(err)
	}
	s, err := p.sessionFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	p.set(tok, s)
	p.events.emit(Event{Type: EventTokenRefreshed, Session: s})
	return s, nil
}

// HandleFragment adopts the tokens carried by an email link fragment
// ("access_token=...&refresh_token=...&expires_in=...&type=recovery").
// The user comes from an id_token in the fragment when one is present and a
// verifier is configured, otherwise from the user endpoint.
func (p *OAuth2Provider) HandleFragment(ctx context.Context, raw string) (*auth.Session, error) {
	f := ParseFragment(raw)
	if f["access_token"] == "" {
		return nil, ErrInvalidLink
	}
	tok := &oauth2.Token{
		AccessToken:  f["access_token"],
		RefreshToken: f["refresh_token"],
		TokenType:    f["token_type"],
	}
	if secs, err := strconv.ParseInt(f["expires_in"], 10, 64); err == nil && secs > 0 {
		tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	if f["id_token"] != "" {
		tok = tok.WithExtra(map[string]interface{}{"id_token": f["id_token"]})
	}

	s, err := p.sessionFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	p.set(tok, s)
	p.events.emit(Event{Type: EventSignedIn, Session: s, Fragment: f})
	if f.Type() == LinkTypeRecovery {
		p.events.emit(Event{Type: EventPasswordRecovery, Session: s, Fragment: f})
	}
	return s, nil
}

// OnAuthStateChange registers a listener
func (p *OAuth2Provider) OnAuthStateChange(listener func(Event)) func() {
	return p.events.subscribe(listener)
}

func (p *OAuth2Provider) set(tok *oauth2.Token, s *auth.Session) {
	p.mu.Lock()
	p.token, p.session = tok, s
	p.mu.Unlock()
}

func (p *OAuth2Provider) clear() {
	p.set(nil, nil)
}

// sessionFromToken builds a Session, taking the user from a verified
// id_token, the token response's "user" object, or the user endpoint, in
// that order
func (p *OAuth2Provider) sessionFromToken(ctx context.Context, tok *oauth2.Token) (*auth.Session, error) {
	user, err := p.userFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("identity provider returned a user without an id")
	}
	return &auth.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		User:         user,
	}, nil
}

func (p *OAuth2Provider) userFromToken(ctx context.Context, tok *oauth2.Token) (auth.User, error) {
	if rawIDToken, ok := tok.Extra("id_token").(string); ok && p.verifier != nil {
		idToken, err := p.verifier.Verify(p.clientContext(ctx), rawIDToken)
		if err != nil {
			return auth.User{}, fmt.Errorf("failed to verify ID token: %w", err)
		}
		var claims map[string]interface{}
		if err := idToken.Claims(&claims); err != nil {
			return auth.User{}, fmt.Errorf("failed to parse claims: %w", err)
		}
		user := userFromClaims(claims)
		if user.ID == "" {
			user.ID = idToken.Subject
		}
		return user, nil
	}

	if raw, ok := tok.Extra("user").(map[string]interface{}); ok {
		return userFromClaims(raw), nil
	}

	if p.cfg.UserURL == "" {
		return auth.User{}, fmt.Errorf("token response carried no user and no user endpoint is configured")
	}
	return p.fetchUser(ctx, tok)
}

func (p *OAuth2Provider) fetchUser(ctx context.Context, tok *oauth2.Token) (auth.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserURL, nil)
	if err != nil {
		return auth.User{}, err
	}
	resp, err := p.oauth2.Client(p.clientContext(ctx), tok).Do(req)
	if err != nil {
		return auth.User{}, fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return auth.User{}, ErrInvalidLink
	}
	if resp.StatusCode >= 400 {
		return auth.User{}, fmt.Errorf("user request failed with status %d", resp.StatusCode)
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&claims); err != nil {
		return auth.User{}, fmt.Errorf("failed to decode user: %w", err)
	}
	return userFromClaims(claims), nil
}

// userFromClaims reads id/sub, email and the role claim. The role is taken
// from app_metadata.role when present, else a top-level "role" that is not
// the generic "authenticated" audience role.
func userFromClaims(claims map[string]interface{}) auth.User {
	user := auth.User{
		ID:    getStringValue(claims, "id"),
		Email: getStringValue(claims, "email"),
	}
	if user.ID == "" {
		user.ID = getStringValue(claims, "sub")
	}
	if appMeta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		user.RoleClaim = getStringValue(appMeta, "role")
	}
	if role := getStringValue(claims, "role"); user.RoleClaim == "" && role != "authenticated" {
		user.RoleClaim = role
	}
	return user
}

// mapTokenError turns an invalid_grant into ErrInvalidCredentials carrying
// the provider's message
func mapTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
		msg := rerr.ErrorDescription
		if msg == "" {
			return ErrInvalidCredentials
		}
		if msg == "Email not confirmed" {
			return fmt.Errorf("%w: %s", ErrEmailNotConfirmed, msg)
		}
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	}
	return fmt.Errorf("token request failed: %w", err)
}

// getStringValue extracts a string value from a map
func getStringValue(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
