package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/httputil"
	"github.com/platinummonkey/dormgate/pkg/identity"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// sessionView is the JSON form of a browser session's state
type sessionView struct {
	Authenticated  bool          `json:"authenticated"`
	Loading        bool          `json:"loading"`
	ProfileLoading bool          `json:"profile_loading"`
	User           *auth.User    `json:"user,omitempty"`
	Profile        *auth.Profile `json:"profile,omitempty"`
	Role           auth.Role     `json:"role,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	// Redirect is a navigation the redirect coordinator issued
	Redirect *navigation `json:"redirect,omitempty"`
	// DefaultRoute is the signed-in role's landing path
	DefaultRoute string `json:"default_route,omitempty"`
}

// view renders c's state and hands over its pending navigation
func (s *Server) view(ctx context.Context, c *client, st session.State) sessionView {
	v := sessionView{
		Authenticated:  st.Session != nil,
		Loading:        st.Loading,
		ProfileLoading: st.ProfileLoading,
		User:           st.User(),
		Profile:        st.Profile,
		Role:           st.Role,
		Redirect:       c.nav.take(),
	}
	if st.Session != nil {
		if !st.Session.ExpiresAt.IsZero() {
			expires := st.Session.ExpiresAt
			v.ExpiresAt = &expires
		}
		if s.defaults != nil {
			v.DefaultRoute = s.defaults.Resolve(ctx, st.Role)
		}
	}
	return v
}

// settledView waits for the session and any redirect decision, then renders
func (s *Server) settledView(ctx context.Context, c *client) (sessionView, error) {
	if err := c.coordinator.Wait(ctx); err != nil {
		return sessionView{}, err
	}
	st, err := c.store.WaitSettled(ctx)
	if err != nil {
		return sessionView{}, err
	}
	return s.view(ctx, c, st), nil
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Path is the page the browser is on
	Path string `json:"path"`
}

// signIn handles POST /auth/sign-in
func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") || !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	c, err := s.ensureClient(w, r)
	if err != nil {
		s.clientError(w, r, err)
		return
	}
	c.nav.visit(req.Path)

	if err := c.store.SignIn(r.Context(), req.Email, req.Password); err != nil {
		s.authFailure(w, r, err)
		return
	}
	s.writeSettled(w, r, c, http.StatusOK)
}

type signUpRequest struct {
	credentialsRequest
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// signUp handles POST /auth/sign-up
func (s *Server) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") || !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	c, err := s.ensureClient(w, r)
	if err != nil {
		s.clientError(w, r, err)
		return
	}
	c.nav.visit(req.Path)

	metadata := map[string]string{}
	for key, value := range map[string]string{"first_name": req.FirstName, "last_name": req.LastName, "phone": req.Phone} {
		if value != "" {
			metadata[key] = value
		}
	}

	result, err := c.store.SignUp(r.Context(), req.Email, req.Password, metadata)
	if err != nil {
		s.authFailure(w, r, err)
		return
	}
	if result == session.SignUpConfirmationRequired {
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": result.String()})
		return
	}
	s.writeSettled(w, r, c, http.StatusCreated)
}

// signOut handles POST /auth/sign-out. The local session is cleared even
// when the provider fails.
func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	c, ok := clientFrom(r.Context())
	if !ok {
		httputil.WriteNoContent(w)
		return
	}
	if err := c.store.SignOut(r.Context()); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("sign out reported an error")
	}
	httputil.WriteNoContent(w)
}

// getSession handles GET /auth/session
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	c, ok := clientFrom(r.Context())
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, sessionView{})
		return
	}
	s.writeSettled(w, r, c, http.StatusOK)
}

// refreshProfile handles POST /auth/profile/refresh
func (s *Server) refreshProfile(w http.ResponseWriter, r *http.Request) {
	c, ok := clientFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "not signed in")
		return
	}
	err := c.store.RefreshProfile(r.Context())
	switch {
	case errors.Is(err, identity.ErrNoSession):
		httputil.WriteUnauthorized(w, "not signed in")
		return
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).Warn("profile refresh failed")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "profile refresh failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.view(r.Context(), c, c.store.Snapshot()))
}

type callbackRequest struct {
	// Fragment is the URL fragment of an email link, with or without "#"
	Fragment string `json:"fragment"`
	Path     string `json:"path"`
}

// callback handles POST /auth/callback: the browser forwards the fragment of
// a confirmation or recovery link it landed on
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Fragment, "fragment") {
		return
	}

	c, err := s.ensureClient(w, r)
	if err != nil {
		s.clientError(w, r, err)
		return
	}
	handler, ok := c.provider.(identity.FragmentHandler)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, "email links are not supported by this identity provider")
		return
	}
	c.nav.visit(req.Path)

	if _, err := handler.HandleFragment(r.Context(), req.Fragment); err != nil {
		s.authFailure(w, r, &session.AuthError{Op: "callback", Message: err.Error(), Err: err})
		return
	}
	s.writeSettled(w, r, c, http.StatusOK)
}

func (s *Server) writeSettled(w http.ResponseWriter, r *http.Request, c *client, status int) {
	v, err := s.settledView(r.Context(), c)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("session did not settle")
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "session not ready")
		return
	}
	httputil.WriteJSON(w, status, v)
}

// authFailure reports a failed authentication. The message of an
// *AuthError is shown; anything else stays internal.
func (s *Server) authFailure(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		observability.FromContext(r.Context()).WithError(err).Error("authentication failed")
		httputil.WriteInternalError(w)
		return
	}
	observability.FromContext(r.Context()).WithField("op", authErr.Op).WithError(err).Info("authentication rejected")
	httputil.WriteErrorMessage(w, authStatus(err), authErr.Error())
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, identity.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, identity.ErrEmailNotConfirmed):
		return http.StatusForbidden
	case errors.Is(err, identity.ErrInvalidLink):
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}

func (s *Server) clientError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context()).WithError(err).Error("failed to start browser session")
	httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "identity provider unavailable")
}
