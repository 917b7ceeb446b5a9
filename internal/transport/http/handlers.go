// Package httptransport is the thin HTTP layer over the session store and
// dispatcher. It owns cookies, redirects and the JSON envelope; business
// outcomes are decided below it.
package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"passage/internal/dispatch"
	"passage/internal/identity"
	"passage/internal/identity/oauthflow"
	"passage/internal/operation"
	"passage/internal/recovery"
	"passage/internal/session"
	"passage/internal/session/cache"
	"passage/internal/session/reason"
	"passage/pkg/apperrors"
	"passage/pkg/sentinel"
)

// SIDCookie identifies the browser session. The value is an opaque handle
// into the session cache; provider tokens never reach the client.
const SIDCookie = "sid"

// StateCookie carries the OAuth CSRF state between the authorize redirect
// and the callback.
const StateCookie = "oauth-state"

const (
	pathAuthError = "/auth/error"
	defaultNext   = dispatch.PathProfile
)

// Handler serves the /auth surface.
type Handler struct {
	store      *session.Store
	dispatcher *dispatch.Dispatcher
	source     identity.IdentitySource
	sessions   cache.Store
	reasons    reason.Store
	flows      map[string]*oauthflow.Flow
	logger     *slog.Logger

	cookieSecure bool
}

type Config struct {
	Store      *session.Store
	Dispatcher *dispatch.Dispatcher
	Source     identity.IdentitySource
	Sessions   cache.Store
	Reasons    reason.Store
	// Flows maps provider name to its OAuth flow; providers absent from the
	// map are rejected at the start of the redirect dance.
	Flows  map[string]*oauthflow.Flow
	Logger *slog.Logger

	CookieSecure bool
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		source:       cfg.Source,
		sessions:     cfg.Sessions,
		reasons:      cfg.Reasons,
		flows:        cfg.Flows,
		logger:       cfg.Logger,
		cookieSecure: cfg.CookieSecure,
	}
}

// Register mounts the auth routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/sign-in", h.submit(operation.Login))
		r.Post("/sign-up", h.submit(operation.Register))
		r.Post("/forgot-password", h.submit(operation.ForgotPassword))
		r.Post("/reset-password", h.submit(operation.ResetPassword))
		r.Post("/update-password", h.submit(operation.UpdatePassword))

		r.Get("/confirm", h.confirm)
		r.Get("/session", h.session)
		r.Post("/sign-out", h.signOut)

		r.Get("/oauth/{provider}", h.oauthStart)
		r.Get("/oauth/{provider}/callback", h.oauthCallback)
	})
}

// submitResponse is the envelope every form submission resolves to. Exactly
// one field is meaningful per operation.
type submitResponse struct {
	Navigate  string `json:"navigate,omitempty"`
	EmailSent bool   `json:"email_sent,omitempty"`
	SwitchTo  string `json:"switch_to,omitempty"`
}

func (h *Handler) submit(op operation.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var form operation.FormValues
		if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
			writeError(w, apperrors.New(apperrors.CodeInvalidInput, "invalid request body"))
			return
		}

		result := h.dispatcher.Dispatch(r.Context(), op, form)
		if result.Err != nil {
			writeError(w, result.Err)
			return
		}

		// A fresh session means a fresh sid; password updates reuse the
		// existing one.
		if op == operation.Login || op == operation.Register {
			if err := h.issueSID(w, r); err != nil {
				h.logger.ErrorContext(r.Context(), "failed to issue sid", "error", err)
				writeError(w, apperrors.Unexpected(err, "something went wrong, please try again"))
				return
			}
		}

		resp := submitResponse{
			Navigate:  result.Navigate,
			EmailSent: result.EmailSent,
		}
		if result.SwitchTo != nil {
			resp.SwitchTo = string(*result.SwitchTo)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// issueSID snapshots the store's current session into the cache and hands the
// browser an opaque handle to it.
func (h *Handler) issueSID(w http.ResponseWriter, r *http.Request) error {
	sess := h.store.Session()
	if sess == nil {
		// Sign-up with confirmation required can resolve without a session.
		return nil
	}

	sid := uuid.NewString()
	entry := cache.Entry{
		SID:          sid,
		UserID:       sess.User.ID,
		Email:        sess.User.Email,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
	}
	if err := h.sessions.Create(r.Context(), entry); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SIDCookie,
		Value:    sid,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// confirm lands the email recovery link: it exchanges the one-time token and
// redirects onward. Failures redirect to the error page rather than rendering
// JSON, since the caller is a browser following a link.
func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tokenHash := query.Get("token_hash")
	tokenType := query.Get("type")
	next := sanitizeNext(query.Get("next"))

	flow := recovery.NewHandler(h.source, h.logger)
	if flow.Run(r.Context(), tokenHash, tokenType) == recovery.StateError {
		appErr := flow.Err()
		h.logger.WarnContext(r.Context(), "recovery confirmation failed", "code", string(appErr.Code))
		http.Redirect(w, r, pathAuthError+"?code="+url.QueryEscape(string(appErr.Code)), http.StatusSeeOther)
		return
	}

	if err := h.issueSID(w, r); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to issue sid after recovery", "error", err)
		http.Redirect(w, r, pathAuthError+"?code="+url.QueryEscape(string(apperrors.CodeInternal)), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, next, http.StatusSeeOther)
}

// sanitizeNext validates the post-confirmation target. Only relative paths
// are followed, token parameters are stripped, and verified=true is appended
// so the landing page knows the email round-trip completed.
func sanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		next = defaultNext
	}
	u, err := url.Parse(next)
	if err != nil || u.Host != "" || u.Scheme != "" {
		u = &url.URL{Path: defaultNext}
	}

	query := u.Query()
	query.Del("token_hash")
	query.Del("type")
	query.Del("code")
	query.Set("verified", "true")
	u.RawQuery = query.Encode()
	return u.String()
}

// sessionResponse is the snapshot handed to the frontend on each render.
type sessionResponse struct {
	Authenticated bool           `json:"authenticated"`
	User          *identity.User `json:"user,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	SignOutReason string         `json:"signout_reason,omitempty"`
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	signOutReason, _ := reason.ReadAndClearCookie(w, r)

	cookie, err := r.Cookie(SIDCookie)
	if err != nil || cookie.Value == "" {
		writeJSON(w, http.StatusOK, sessionResponse{SignOutReason: signOutReason})
		return
	}

	entry, err := h.sessions.Get(r.Context(), cookie.Value)
	if errors.Is(err, sentinel.ErrNotFound) {
		h.expireSID(w)
		if signOutReason == "" {
			signOutReason = string(session.ReasonSessionExpired)
		}
		writeJSON(w, http.StatusOK, sessionResponse{SignOutReason: signOutReason})
		return
	}
	if err != nil {
		writeError(w, apperrors.Unexpected(err, "something went wrong, please try again"))
		return
	}

	// A forced sign-out recorded since the last render invalidates the sid
	// even though the cache entry has not expired yet.
	if recorded, err := h.reasons.Consume(r.Context(), entry.UserID); err == nil {
		_ = h.sessions.Delete(r.Context(), entry.SID)
		h.expireSID(w)
		writeJSON(w, http.StatusOK, sessionResponse{SignOutReason: recorded})
		return
	}

	user, err := h.source.GetUser(r.Context(), entry.AccessToken)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			_ = h.sessions.Delete(r.Context(), entry.SID)
			h.expireSID(w)
			writeJSON(w, http.StatusOK, sessionResponse{
				SignOutReason: string(session.ReasonUserNotFound),
			})
			return
		}
		writeError(w, classifyForTransport(err))
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated: true,
		User:          user,
		ExpiresAt:     &entry.ExpiresAt,
		SignOutReason: signOutReason,
	})
}

type signOutRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	var req signOutRequest
	if r.Body != nil {
		// An empty body means a plain user-initiated sign-out.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	signOutReason := session.SignOutReason(req.Reason)
	if signOutReason == "" {
		signOutReason = session.ReasonUserAction
	}

	if cookie, err := r.Cookie(SIDCookie); err == nil && cookie.Value != "" {
		if err := h.sessions.Delete(r.Context(), cookie.Value); err != nil {
			h.logger.WarnContext(r.Context(), "failed to delete sid entry", "error", err)
		}
	}
	h.expireSID(w)

	if signOutReason != session.ReasonUserAction {
		reason.SetCookie(w, string(signOutReason), h.cookieSecure)
	}

	// Local state is cleared even when the provider call fails, so a failed
	// sign-out still signs the user out here.
	if appErr := h.store.SignOut(r.Context(), signOutReason); appErr != nil {
		h.logger.WarnContext(r.Context(), "provider sign-out failed", "code", string(appErr.Code))
	}

	w.WriteHeader(http.StatusNoContent)
}

// oauthStart begins the redirect-based provider sign-in: it plants the CSRF
// state cookie and sends the browser to the provider's authorize URL.
func (h *Handler) oauthStart(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flows[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeInvalidInput, "unknown sign-in provider"))
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     "/auth/oauth",
		MaxAge:   int((5 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, flow.AuthURL(state), http.StatusFound)
}

// oauthCallback finishes the provider sign-in: state check, code exchange,
// then the provider token goes through the same sign-in path as a password.
func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	flow, ok := h.flows[provider]
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeInvalidInput, "unknown sign-in provider"))
		return
	}

	stateCookie, err := r.Cookie(StateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		http.Redirect(w, r, pathAuthError+"?code="+url.QueryEscape(string(apperrors.CodeInvalidLink)), http.StatusSeeOther)
		return
	}

	idToken, err := flow.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		appErr := classifyForTransport(err)
		h.logger.WarnContext(r.Context(), "oauth code exchange failed",
			"provider", provider,
			"code", string(appErr.Code),
		)
		http.Redirect(w, r, pathAuthError+"?code="+url.QueryEscape(string(appErr.Code)), http.StatusSeeOther)
		return
	}

	if appErr := h.store.SignInWithProvider(r.Context(), provider, idToken); appErr != nil {
		http.Redirect(w, r, pathAuthError+"?code="+url.QueryEscape(string(appErr.Code)), http.StatusSeeOther)
		return
	}
	if err := h.issueSID(w, r); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to issue sid after oauth sign-in", "error", err)
		http.Redirect(w, r, pathAuthError+"?code="+url.QueryEscape(string(apperrors.CodeInternal)), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, dispatch.PathProfile, http.StatusSeeOther)
}

func (h *Handler) expireSID(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SIDCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
