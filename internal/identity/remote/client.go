// Package remote implements identity.IdentitySource over the identity
// provider's REST API. The client keeps the one authoritative session,
// refreshes it in the background, and publishes change events for every
// state transition so consumers stay in sync without polling.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"passage/internal/identity"
	"passage/internal/platform/metrics"
	"passage/pkg/sentinel"
)

// refreshSkew is how long before token expiry the refresher fires.
const refreshSkew = 30 * time.Second

// Client talks to the identity provider. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *identity.Bus

	mu      sync.Mutex
	current *identity.Session
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a provider client. baseURL is the provider root, apiKey the
// public API key sent on every request.
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		bus:     identity.NewBus(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers for session change events.
func (c *Client) Subscribe(fn func(identity.Event)) func() {
	return c.bus.Subscribe(fn)
}

// CurrentSession returns the session the client holds, or (nil, nil) when
// signed out. An expired session triggers an inline refresh attempt.
func (c *Client) CurrentSession(ctx context.Context) (*identity.Session, error) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()

	if sess == nil {
		return nil, nil
	}
	if !sess.Expired(time.Now()) {
		copied := *sess
		return &copied, nil
	}
	return c.RefreshSession(ctx, sess.RefreshToken)
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (*identity.User, error) {
	var payload userPayload
	err := c.call(ctx, http.MethodGet, "/user", accessToken, nil, &payload)
	if err != nil {
		var provErr *identity.ProviderError
		if errors.As(err, &provErr) && (provErr.Status == http.StatusNotFound || provErr.ErrorCode == "user_not_found") {
			return nil, fmt.Errorf("get user: %w", sentinel.ErrNotFound)
		}
		return nil, err
	}
	user := payload.toUser()
	return &user, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	body := map[string]string{"email": email, "password": password}
	sess, err := c.tokenCall(ctx, "password", body)
	if err != nil {
		return nil, err
	}
	c.setSession(sess, identity.EventSignedIn)
	return sess, nil
}

func (c *Client) SignInWithProviderToken(ctx context.Context, provider, providerToken string) (*identity.Session, error) {
	body := map[string]string{"provider": provider, "id_token": providerToken}
	sess, err := c.tokenCall(ctx, "id_token", body)
	if err != nil {
		return nil, err
	}
	c.setSession(sess, identity.EventSignedIn)
	return sess, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, profile identity.SignUpProfile) (*identity.Session, error) {
	body := map[string]any{"email": email, "password": password}
	if profile.DisplayName != "" {
		body["data"] = map[string]string{"display_name": profile.DisplayName}
	}
	var payload sessionPayload
	if err := c.call(ctx, http.MethodPost, "/signup", "", body, &payload); err != nil {
		return nil, err
	}
	sess := payload.toSession()
	c.setSession(sess, identity.EventSignedIn)
	return sess, nil
}

func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	return c.call(ctx, http.MethodPost, "/recover", "", map[string]string{"email": email}, nil)
}

func (c *Client) UpdatePassword(ctx context.Context, accessToken, newPassword string) (*identity.User, error) {
	var payload userPayload
	body := map[string]string{"password": newPassword}
	if err := c.call(ctx, http.MethodPut, "/user", accessToken, body, &payload); err != nil {
		return nil, err
	}
	user := payload.toUser()
	c.updateUser(user)
	return &user, nil
}

func (c *Client) ChangePassword(ctx context.Context, accessToken, currentPassword, newPassword string) (*identity.User, error) {
	var payload userPayload
	body := map[string]string{
		"current_password": currentPassword,
		"new_password":     newPassword,
	}
	if err := c.call(ctx, http.MethodPut, "/user/password", accessToken, body, &payload); err != nil {
		return nil, err
	}
	user := payload.toUser()
	c.updateUser(user)
	return &user, nil
}

func (c *Client) VerifyRecoveryToken(ctx context.Context, tokenHash, tokenType string) (*identity.Session, error) {
	body := map[string]string{"token_hash": tokenHash, "type": tokenType}
	var payload sessionPayload
	if err := c.call(ctx, http.MethodPost, "/verify", "", body, &payload); err != nil {
		return nil, err
	}
	sess := payload.toSession()
	c.setSession(sess, identity.EventSignedIn)
	return sess, nil
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	sess, err := c.tokenCall(ctx, "refresh_token", body)
	if err != nil {
		// The grant is gone; drop local state and tell subscribers.
		c.clearSession()
		return nil, err
	}
	c.setSession(sess, identity.EventTokenRefreshed)
	return sess, nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.call(ctx, http.MethodPost, "/logout", accessToken, nil, nil)
	// Local state is cleared even when the provider call fails; the caller
	// asked to be signed out and a dangling token is the provider's problem.
	c.clearSession()
	return err
}

// RunRefresher renews the session before expiry until ctx is cancelled.
// Refresh failures publish SIGNED_OUT via RefreshSession and the loop waits
// for the next sign-in instead of retrying a dead grant.
func (c *Client) RunRefresher(ctx context.Context) error {
	const idleInterval = 15 * time.Second

	for {
		c.mu.Lock()
		sess := c.current
		c.mu.Unlock()

		wait := idleInterval
		if sess != nil && !sess.ExpiresAt.IsZero() {
			wait = time.Until(sess.ExpiresAt.Add(-refreshSkew))
			if wait < time.Second {
				wait = time.Second
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		c.mu.Lock()
		sess = c.current
		c.mu.Unlock()
		if !needsRefresh(sess, time.Now()) {
			continue
		}

		if _, err := c.RefreshSession(ctx, sess.RefreshToken); err != nil {
			c.logger.WarnContext(ctx, "session refresh failed", "error", err)
		}
	}
}

// needsRefresh reports whether the session is close enough to expiry to
// rotate the token. A zero expiry means the provider issued no deadline and
// the access token carried no exp claim; there is nothing to refresh against.
func needsRefresh(sess *identity.Session, now time.Time) bool {
	if sess == nil || sess.ExpiresAt.IsZero() {
		return false
	}
	return sess.ExpiresAt.Sub(now) <= refreshSkew
}

func (c *Client) setSession(sess *identity.Session, evType identity.EventType) {
	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()
	c.bus.Publish(identity.Event{Type: evType, Session: sess})
}

func (c *Client) updateUser(user identity.User) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	c.current.User = user
	updated := *c.current
	c.mu.Unlock()
	c.bus.Publish(identity.Event{Type: identity.EventUserUpdated, Session: &updated})
}

func (c *Client) clearSession() {
	c.mu.Lock()
	wasSignedIn := c.current != nil
	c.current = nil
	c.mu.Unlock()
	if wasSignedIn {
		c.bus.Publish(identity.Event{Type: identity.EventSignedOut})
	}
}

// tokenCall hits the shared /token endpoint with the given grant type.
func (c *Client) tokenCall(ctx context.Context, grantType string, body any) (*identity.Session, error) {
	var payload sessionPayload
	path := "/token?grant_type=" + url.QueryEscape(grantType)
	if err := c.call(ctx, http.MethodPost, path, "", body, &payload); err != nil {
		return nil, err
	}
	return payload.toSession(), nil
}

// call performs one provider request. Non-2xx responses are decoded into a
// *identity.ProviderError.
func (c *Client) call(ctx context.Context, method, path, accessToken string, body, out any) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveIdentityCall(endpointLabel(path), time.Since(start))
		}
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseProviderError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// endpointLabel strips the query string so metrics labels stay low-cardinality.
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// providerErrorPayload covers the error shapes the provider sends: newer
// endpoints use error_code/msg, older ones error/error_description.
type providerErrorPayload struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func parseProviderError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload providerErrorPayload
	_ = json.Unmarshal(raw, &payload)

	message := payload.Msg
	if message == "" {
		message = payload.ErrorDescription
	}
	if message == "" {
		message = payload.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	code := payload.ErrorCode
	if code == "" && payload.Msg == "" && payload.Error != "" && payload.ErrorDescription != "" {
		// OAuth-style body: "error" is the code, not the message.
		code = payload.Error
	}

	return &identity.ProviderError{
		ErrorCode: code,
		Status:    resp.StatusCode,
		Message:   message,
	}
}

// sessionPayload is the provider's session envelope.
type sessionPayload struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int         `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         userPayload `json:"user"`
}

func (p *sessionPayload) toSession() *identity.Session {
	expiresAt := time.Time{}
	switch {
	case p.ExpiresAt > 0:
		expiresAt = time.Unix(p.ExpiresAt, 0)
	case p.ExpiresIn > 0:
		expiresAt = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)
	default:
		if exp, ok := tokenExpiry(p.AccessToken); ok {
			expiresAt = exp
		}
	}
	return &identity.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         p.User.toUser(),
	}
}

// userPayload is the provider's user record shape.
type userPayload struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	CreatedAt        time.Time      `json:"created_at"`
	AppMetadata      appMetadata    `json:"app_metadata"`
	UserMetadata     map[string]any `json:"user_metadata"`
}

type appMetadata struct {
	Provider string `json:"provider"`
}

func (p *userPayload) toUser() identity.User {
	return identity.User{
		ID:             p.ID,
		Email:          p.Email,
		EmailConfirmed: p.EmailConfirmedAt != nil,
		Provider:       p.AppMetadata.Provider,
		CreatedAt:      p.CreatedAt,
		Metadata:       p.UserMetadata,
	}
}

// tokenExpiry decodes the access token's exp claim without verifying the
// signature; the provider is trusted and only the timestamp is needed here.
func tokenExpiry(raw string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
