package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"passage/internal/dispatch"
	"passage/internal/identity"
	"passage/internal/identity/mocks"
	"passage/internal/identity/oauthflow"
	"passage/internal/session"
	"passage/internal/session/cache"
	"passage/internal/session/reason"
)

type fixture struct {
	router   http.Handler
	handler  *Handler
	store    *session.Store
	source   *mocks.MockIdentitySource
	sessions cache.Store
	reasons  reason.Store
	push     func(identity.Event)
}

func newFixture(t *testing.T, flows map[string]*oauthflow.Flow) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	source := mocks.NewMockIdentitySource(ctrl)

	f := &fixture{
		source:   source,
		sessions: cache.NewMemoryStore(),
		reasons:  reason.NewMemoryStore(),
	}
	source.EXPECT().
		Subscribe(gomock.Any()).
		DoAndReturn(func(fn func(identity.Event)) func() {
			f.push = fn
			return func() {}
		})

	logger := slog.Default()
	f.store = session.NewStore(source, logger)
	t.Cleanup(f.store.Close)

	f.handler = NewHandler(Config{
		Store:      f.store,
		Dispatcher: dispatch.NewDispatcher(f.store, logger),
		Source:     source,
		Sessions:   f.sessions,
		Reasons:    f.reasons,
		Flows:      flows,
		Logger:     logger,
	})
	f.router = NewRouter(f.handler, RouterConfig{Logger: logger})
	return f
}

func issuedSession() *identity.Session {
	return &identity.Session{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         identity.User{ID: "user-1", Email: "user@test.com", EmailConfirmed: true},
	}
}

func doJSON(t *testing.T, router http.Handler, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSignIn_IssuesSIDAndNavigates(t *testing.T) {
	f := newFixture(t, nil)
	f.source.EXPECT().
		SignInWithPassword(gomock.Any(), "user@test.com", "pw-secret").
		Return(issuedSession(), nil)

	rec := doJSON(t, f.router, http.MethodPost, "/auth/sign-in",
		`{"email":"user@test.com","password":"pw-secret"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Navigate string `json:"navigate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/profile", resp.Navigate)

	sid := cookieByName(t, rec, SIDCookie)
	require.NotNil(t, sid)
	entry, err := f.sessions.Get(context.Background(), sid.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-1", entry.UserID)
	assert.True(t, sid.HttpOnly)
}

func TestSignIn_WrongPassword(t *testing.T) {
	f := newFixture(t, nil)
	f.source.EXPECT().
		SignInWithPassword(gomock.Any(), "user@test.com", "wrong").
		Return(nil, &identity.ProviderError{ErrorCode: "invalid_credentials", Status: 400, Message: "invalid login credentials"})

	rec := doJSON(t, f.router, http.MethodPost, "/auth/sign-in",
		`{"email":"user@test.com","password":"wrong"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "AUTH/INVALID_CREDENTIALS", resp.Error.Code)
	assert.Nil(t, cookieByName(t, rec, SIDCookie))
}

func TestSignUp_DuplicateSwitchesToLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.source.EXPECT().
		SignUp(gomock.Any(), "taken@test.com", "pw-secret", gomock.Any()).
		Return(nil, &identity.ProviderError{ErrorCode: "user_already_exists", Status: 422, Message: "user already registered"})

	rec := doJSON(t, f.router, http.MethodPost, "/auth/sign-up",
		`{"email":"taken@test.com","password":"pw-secret","password_confirm":"pw-secret"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		SwitchTo string `json:"switch_to"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "login", resp.SwitchTo)
}

func TestForgotPassword_MarksEmailSent(t *testing.T) {
	f := newFixture(t, nil)
	f.source.EXPECT().
		RequestPasswordReset(gomock.Any(), "user@test.com").
		Return(nil)

	rec := doJSON(t, f.router, http.MethodPost, "/auth/forgot-password",
		`{"email":"user@test.com"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		EmailSent bool   `json:"email_sent"`
		Navigate  string `json:"navigate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.EmailSent)
	assert.Empty(t, resp.Navigate)
}

func TestConfirm_RedirectsWithVerified(t *testing.T) {
	f := newFixture(t, nil)
	f.source.EXPECT().
		VerifyRecoveryToken(gomock.Any(), "hash-1", "recovery").
		DoAndReturn(func(context.Context, string, string) (*identity.Session, error) {
			sess := issuedSession()
			f.push(identity.Event{Type: identity.EventSignedIn, Session: sess})
			return sess, nil
		})

	rec := doJSON(t, f.router, http.MethodGet,
		"/auth/confirm?token_hash=hash-1&type=recovery&next=%2Faccount%2Fsecurity%3Ftoken_hash%3Dhash-1", "")

	require.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")
	assert.Equal(t, "/account/security?verified=true", location)
	assert.NotNil(t, cookieByName(t, rec, SIDCookie))
}

func TestConfirm_MissingParamsNoProviderCall(t *testing.T) {
	f := newFixture(t, nil)
	f.source.EXPECT().VerifyRecoveryToken(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	rec := doJSON(t, f.router, http.MethodGet, "/auth/confirm?type=recovery", "")

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/error?code="+"VALIDATION%2FINVALID_LINK", rec.Header().Get("Location"))
}

func TestConfirm_ExpiredTokenRedirectsToErrorPage(t *testing.T) {
	f := newFixture(t, nil)
	f.source.EXPECT().
		VerifyRecoveryToken(gomock.Any(), "hash-1", "recovery").
		Return(nil, &identity.ProviderError{ErrorCode: "otp_expired", Status: 403, Message: "email link is invalid or has expired"})

	rec := doJSON(t, f.router, http.MethodGet, "/auth/confirm?token_hash=hash-1&type=recovery", "")

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), pathAuthError+"?code=")
}

func TestSanitizeNext(t *testing.T) {
	tests := []struct {
		name string
		next string
		want string
	}{
		{"empty defaults to profile", "", "/profile?verified=true"},
		{"absolute url rejected", "https://evil.test/phish", "/profile?verified=true"},
		{"protocol-relative rejected", "//evil.test/phish", "/profile?verified=true"},
		{"relative kept", "/account", "/account?verified=true"},
		{"token params stripped", "/account?token_hash=h&type=recovery&tab=security", "/account?tab=security&verified=true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeNext(tt.next))
		})
	}
}

func TestSession_NoCookie(t *testing.T) {
	f := newFixture(t, nil)

	rec := doJSON(t, f.router, http.MethodGet, "/auth/session", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Authenticated)
}

func TestSession_ValidSID(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.sessions.Create(context.Background(), cache.Entry{
		SID: "sid-1", UserID: "user-1", Email: "user@test.com",
		AccessToken: "at-1", ExpiresAt: time.Now().Add(time.Hour),
	}))
	user := issuedSession().User
	f.source.EXPECT().GetUser(gomock.Any(), "at-1").Return(&user, nil)

	rec := doJSON(t, f.router, http.MethodGet, "/auth/session", "",
		&http.Cookie{Name: SIDCookie, Value: "sid-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Authenticated bool           `json:"authenticated"`
		User          *identity.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Authenticated)
	require.NotNil(t, resp.User)
	assert.Equal(t, "user-1", resp.User.ID)
}

func TestSession_UnknownSIDReportsExpired(t *testing.T) {
	f := newFixture(t, nil)

	rec := doJSON(t, f.router, http.MethodGet, "/auth/session", "",
		&http.Cookie{Name: SIDCookie, Value: "sid-gone"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Authenticated bool   `json:"authenticated"`
		SignOutReason string `json:"signout_reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Authenticated)
	assert.Equal(t, "session_expired", resp.SignOutReason)

	// The dangling cookie is cleared.
	sid := cookieByName(t, rec, SIDCookie)
	require.NotNil(t, sid)
	assert.Equal(t, -1, sid.MaxAge)
}

func TestSession_ForcedSignOutReasonInvalidatesSID(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.sessions.Create(context.Background(), cache.Entry{
		SID: "sid-1", UserID: "user-1",
		AccessToken: "at-1", ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, f.reasons.Record(context.Background(), "user-1", "user_not_found"))

	rec := doJSON(t, f.router, http.MethodGet, "/auth/session", "",
		&http.Cookie{Name: SIDCookie, Value: "sid-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Authenticated bool   `json:"authenticated"`
		SignOutReason string `json:"signout_reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Authenticated)
	assert.Equal(t, "user_not_found", resp.SignOutReason)

	_, err := f.sessions.Get(context.Background(), "sid-1")
	assert.Error(t, err)
}

func TestSignOut_ClearsSIDAndSetsReasonCookie(t *testing.T) {
	f := newFixture(t, nil)
	f.push(identity.Event{Type: identity.EventSignedIn, Session: issuedSession()})
	require.NoError(t, f.sessions.Create(context.Background(), cache.Entry{
		SID: "sid-1", UserID: "user-1",
		AccessToken: "at-1", ExpiresAt: time.Now().Add(time.Hour),
	}))
	f.source.EXPECT().SignOut(gomock.Any(), "at-1").Return(nil)

	rec := doJSON(t, f.router, http.MethodPost, "/auth/sign-out",
		`{"reason":"session_expired"}`,
		&http.Cookie{Name: SIDCookie, Value: "sid-1"})

	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err := f.sessions.Get(context.Background(), "sid-1")
	assert.Error(t, err)

	reasonCookie := cookieByName(t, rec, reason.CookieName)
	require.NotNil(t, reasonCookie)
	assert.Equal(t, "session_expired", reasonCookie.Value)
	assert.Nil(t, f.store.Session())
}

func TestSignOut_UserActionSkipsReasonCookie(t *testing.T) {
	f := newFixture(t, nil)
	f.push(identity.Event{Type: identity.EventSignedIn, Session: issuedSession()})
	f.source.EXPECT().SignOut(gomock.Any(), "at-1").Return(nil)

	rec := doJSON(t, f.router, http.MethodPost, "/auth/sign-out", "")

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, cookieByName(t, rec, reason.CookieName))
}

func TestOAuthStart_RedirectsToProvider(t *testing.T) {
	flows := map[string]*oauthflow.Flow{
		"google": oauthflow.New(oauthflow.Config{
			Provider: "google",
			ClientID: "client-1",
			AuthURL:  "https://provider.test/authorize",
			TokenURL: "https://provider.test/token",
		}),
	}
	f := newFixture(t, flows)

	rec := doJSON(t, f.router, http.MethodGet, "/auth/oauth/google", "")

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "https://provider.test/authorize")

	state := cookieByName(t, rec, StateCookie)
	require.NotNil(t, state)
	assert.Contains(t, location, "state="+state.Value)
}

func TestOAuthStart_UnknownProvider(t *testing.T) {
	f := newFixture(t, nil)

	rec := doJSON(t, f.router, http.MethodGet, "/auth/oauth/unknown", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthCallback_StateMismatch(t *testing.T) {
	flows := map[string]*oauthflow.Flow{
		"google": oauthflow.New(oauthflow.Config{Provider: "google"}),
	}
	f := newFixture(t, flows)

	rec := doJSON(t, f.router, http.MethodGet,
		"/auth/oauth/google/callback?code=c1&state=forged", "",
		&http.Cookie{Name: StateCookie, Value: "expected"})

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), pathAuthError)
}

func TestOAuthCallback_SignsInWithIDToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"pt-1","token_type":"bearer","id_token":"idt-1"}`))
	}))
	defer tokenServer.Close()

	flows := map[string]*oauthflow.Flow{
		"google": oauthflow.New(oauthflow.Config{
			Provider: "google",
			ClientID: "client-1",
			TokenURL: tokenServer.URL,
		}),
	}
	f := newFixture(t, flows)
	f.source.EXPECT().
		SignInWithProviderToken(gomock.Any(), "google", "idt-1").
		Return(issuedSession(), nil)

	rec := doJSON(t, f.router, http.MethodGet,
		"/auth/oauth/google/callback?code=c1&state=state-1", "",
		&http.Cookie{Name: StateCookie, Value: "state-1"})

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, dispatch.PathProfile, rec.Header().Get("Location"))
	assert.NotNil(t, cookieByName(t, rec, SIDCookie))
}

func TestHealthz_NoChecks(t *testing.T) {
	f := newFixture(t, nil)

	rec := doJSON(t, f.router, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}
