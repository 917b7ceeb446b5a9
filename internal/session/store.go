// Package session owns the client-side notion of "current user": the single
// authoritative session/user pair, the operations that mutate it, and the
// reconciliation against identity provider push events and polling.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"passage/internal/classify"
	"passage/internal/identity"
	"passage/internal/monitor"
	"passage/internal/platform/metrics"
	"passage/pkg/apperrors"
	"passage/pkg/sentinel"
)

// SignOutReason explains why a sign-out happened. It is recorded transiently
// so the next page render can tell the user, since the sign-out and the
// redirect happen in different request cycles.
type SignOutReason string

const (
	ReasonUserAction     SignOutReason = "user_action"
	ReasonUserNotFound   SignOutReason = "user_not_found"
	ReasonSessionExpired SignOutReason = "session_expired"
)

// Loading flag keys, one per wrapped identity call.
const (
	OpSignIn         = "sign_in"
	OpSignUp         = "sign_up"
	OpResetRequest   = "reset_request"
	OpUpdatePassword = "update_password"
	OpChangePassword = "change_password"
	OpSignOut        = "sign_out"
)

// ReasonRecorder persists a sign-out reason for the next render. Entries are
// short-lived (seconds) and consumed on first read.
type ReasonRecorder interface {
	Record(ctx context.Context, userID string, reason string) error
}

// Store holds the current session and user. The two are coupled: both set or
// both nil, never one without the other. There is exactly one logical writer
// (this store); readers are passive subscribers.
type Store struct {
	source  identity.IdentitySource
	logger  *slog.Logger
	metrics *metrics.Metrics
	monitor monitor.Reporter
	reasons ReasonRecorder

	mu         sync.Mutex
	session    *identity.Session
	user       *identity.User
	lastErr    *apperrors.Error
	loading    map[string]bool
	generation uint64
	closed     bool

	bus         *identity.Bus
	unsubscribe func()
}

// Option configures a Store.
type Option func(*Store)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithMonitor(r monitor.Reporter) Option {
	return func(s *Store) { s.monitor = r }
}

func WithReasonRecorder(r ReasonRecorder) Option {
	return func(s *Store) { s.reasons = r }
}

// NewStore builds a store bound to source and subscribes to its change
// events. Call Close to detach.
func NewStore(source identity.IdentitySource, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		source:  source,
		logger:  logger,
		monitor: monitor.Noop{},
		loading: make(map[string]bool),
		bus:     identity.NewBus(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = source.Subscribe(s.handleEvent)
	return s
}

// Close detaches from the identity source. Pending asynchronous work checks
// the closed flag before mutating state, so late resolutions are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Subscribe registers for the store's mirrored change events. The returned
// unsubscribe function is idempotent.
func (s *Store) Subscribe(fn func(identity.Event)) func() {
	return s.bus.Subscribe(fn)
}

// handleEvent mirrors a provider push notification into local state. Events
// are authoritative: each one bumps the generation so slower fetches started
// earlier cannot overwrite what the event established.
func (s *Store) handleEvent(ev identity.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.generation++
	switch ev.Type {
	case identity.EventSignedIn, identity.EventTokenRefreshed, identity.EventUserUpdated:
		if ev.Session != nil {
			sess := *ev.Session
			s.session = &sess
			user := sess.User
			s.user = &user
		}
	case identity.EventSignedOut:
		s.session = nil
		s.user = nil
		// A refresh failure lands here as a plain sign-out: state cleared,
		// no error surfaced. Re-authenticating is self-evident.
		s.lastErr = nil
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(string(ev.Type)).Inc()
	}
	s.bus.Publish(ev)
}

// Initialize fetches the current session once at startup. A session whose
// user record no longer exists forces a sign-out with ReasonUserNotFound: a
// valid token can outlive its backing account.
func (s *Store) Initialize(ctx context.Context) *apperrors.Error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	sess, err := s.source.CurrentSession(ctx)
	if err != nil {
		if classify.IsRefreshFailure(err) {
			s.applyIfCurrent(gen, nil, nil)
			return nil
		}
		classified := classify.Classify(err)
		s.setErrorIfCurrent(gen, classified)
		s.observeFailure(ctx, "initialize", classified)
		return classified
	}
	if sess == nil {
		s.applyIfCurrent(gen, nil, nil)
		return nil
	}

	user, err := s.source.GetUser(ctx, sess.AccessToken)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || apperrors.HasCode(err, apperrors.CodeUserNotFound) {
			s.logger.WarnContext(ctx, "session references a deleted account, forcing sign-out",
				"user_id", sess.User.ID,
			)
			if s.metrics != nil {
				s.metrics.ForcedSignOuts.WithLabelValues(string(ReasonUserNotFound)).Inc()
			}
			// Commit the fetched session before the forced sign-out so the
			// orphaned token gets revoked and the reason is recorded under
			// the real user ID, not an empty one.
			user := sess.User
			s.applyIfCurrent(gen, sess, &user)
			return s.SignOut(ctx, ReasonUserNotFound)
		}
		classified := classify.Classify(err)
		s.setErrorIfCurrent(gen, classified)
		s.observeFailure(ctx, "initialize", classified)
		return classified
	}

	sess.User = *user
	s.applyIfCurrent(gen, sess, user)
	return nil
}

// applyIfCurrent commits an initialization result unless a push event
// arrived in the meantime; events win over the slower fetch regardless of
// resolution order.
func (s *Store) applyIfCurrent(gen uint64, sess *identity.Session, user *identity.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		return
	}
	s.session = sess
	s.user = user
}

func (s *Store) setErrorIfCurrent(gen uint64, appErr *apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		return
	}
	s.lastErr = appErr
}

// SignIn authenticates with email and password.
func (s *Store) SignIn(ctx context.Context, email, password string) *apperrors.Error {
	s.begin(OpSignIn)
	sess, err := s.source.SignInWithPassword(ctx, email, password)
	if err != nil {
		classified := classify.Classify(err)
		s.finish(OpSignIn, classified)
		s.observeFailure(ctx, OpSignIn, classified)
		return classified
	}
	s.adopt(sess)
	s.finish(OpSignIn, nil)
	return nil
}

// SignInWithProvider completes a social sign-in with the provider's ID token.
func (s *Store) SignInWithProvider(ctx context.Context, provider, idToken string) *apperrors.Error {
	s.begin(OpSignIn)
	sess, err := s.source.SignInWithProviderToken(ctx, provider, idToken)
	if err != nil {
		classified := classify.Classify(err)
		s.finish(OpSignIn, classified)
		s.observeFailure(ctx, OpSignIn, classified)
		return classified
	}
	s.adopt(sess)
	s.finish(OpSignIn, nil)
	return nil
}

// SignUp registers a new account.
func (s *Store) SignUp(ctx context.Context, email, password string, profile identity.SignUpProfile) *apperrors.Error {
	s.begin(OpSignUp)
	sess, err := s.source.SignUp(ctx, email, password, profile)
	if err != nil {
		classified := classify.Classify(err)
		s.finish(OpSignUp, classified)
		s.observeFailure(ctx, OpSignUp, classified)
		return classified
	}
	s.adopt(sess)
	s.finish(OpSignUp, nil)
	return nil
}

// ResetPasswordRequest asks the provider to email a recovery link.
func (s *Store) ResetPasswordRequest(ctx context.Context, email string) *apperrors.Error {
	s.begin(OpResetRequest)
	if err := s.source.RequestPasswordReset(ctx, email); err != nil {
		classified := classify.Classify(err)
		s.finish(OpResetRequest, classified)
		s.observeFailure(ctx, OpResetRequest, classified)
		return classified
	}
	s.finish(OpResetRequest, nil)
	return nil
}

// UpdatePassword sets a new password using the current (typically recovered)
// session. No current password is required; this is the recovery-flow
// contract.
func (s *Store) UpdatePassword(ctx context.Context, newPassword string) *apperrors.Error {
	return s.passwordCall(ctx, OpUpdatePassword, func(token string) (*identity.User, error) {
		return s.source.UpdatePassword(ctx, token, newPassword)
	})
}

// ChangePassword rotates the password for an authenticated user and requires
// the current one. Deliberately separate from UpdatePassword.
func (s *Store) ChangePassword(ctx context.Context, currentPassword, newPassword string) *apperrors.Error {
	return s.passwordCall(ctx, OpChangePassword, func(token string) (*identity.User, error) {
		return s.source.ChangePassword(ctx, token, currentPassword, newPassword)
	})
}

func (s *Store) passwordCall(ctx context.Context, op string, call func(accessToken string) (*identity.User, error)) *apperrors.Error {
	s.begin(op)

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		classified := apperrors.New(apperrors.CodeSessionExpired, "no active session, please sign in again")
		s.finish(op, classified)
		return classified
	}

	user, err := call(sess.AccessToken)
	if err != nil {
		classified := classify.Classify(err)
		s.finish(op, classified)
		s.observeFailure(ctx, op, classified)
		return classified
	}

	s.mu.Lock()
	if !s.closed && s.session != nil {
		s.generation++
		s.session.User = *user
		s.user = user
	}
	s.mu.Unlock()
	s.finish(op, nil)
	return nil
}

// SignOut ends the session. Local state is cleared even when the provider
// call fails; a reason other than ReasonUserAction is recorded for the next
// render.
func (s *Store) SignOut(ctx context.Context, reason SignOutReason) *apperrors.Error {
	s.begin(OpSignOut)

	s.mu.Lock()
	var token, userID string
	if s.session != nil {
		token = s.session.AccessToken
	}
	if s.user != nil {
		userID = s.user.ID
	}
	s.mu.Unlock()

	var err error
	if token != "" {
		err = s.source.SignOut(ctx, token)
	}

	if s.reasons != nil && reason != "" && reason != ReasonUserAction {
		if recErr := s.reasons.Record(ctx, userID, string(reason)); recErr != nil {
			s.logger.WarnContext(ctx, "failed to record sign-out reason",
				"error", recErr,
				"reason", string(reason),
			)
		}
	}

	s.mu.Lock()
	if !s.closed {
		s.generation++
		s.session = nil
		s.user = nil
	}
	s.mu.Unlock()

	if err != nil {
		classified := classify.Classify(err)
		s.finish(OpSignOut, classified)
		s.observeFailure(ctx, OpSignOut, classified)
		return classified
	}
	s.finish(OpSignOut, nil)
	return nil
}

// adopt commits a freshly issued session as authoritative state.
func (s *Store) adopt(sess *identity.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.generation++
	s.session = sess
	user := sess.User
	s.user = &user
}

func (s *Store) begin(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading[op] = true
	s.lastErr = nil
	if s.metrics != nil {
		s.metrics.AuthAttempts.WithLabelValues(op).Inc()
	}
}

func (s *Store) finish(op string, appErr *apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading[op] = false
	if appErr != nil {
		s.lastErr = appErr
	}
}

func (s *Store) observeFailure(ctx context.Context, op string, appErr *apperrors.Error) {
	if appErr == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.AuthFailures.WithLabelValues(op, string(appErr.Code)).Inc()
		s.metrics.ClassifiedErrors.WithLabelValues(string(appErr.Code)).Inc()
	}
	if !appErr.Operational {
		s.monitor.Report(ctx, appErr)
		s.logger.ErrorContext(ctx, "non-operational failure",
			"operation", op,
			"code", string(appErr.Code),
			"error", appErr,
		)
		return
	}
	s.logger.DebugContext(ctx, "auth operation failed",
		"operation", op,
		"code", string(appErr.Code),
	)
}

// Session returns a copy of the current session, or nil when signed out.
func (s *Store) Session() *identity.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	sess := *s.session
	return &sess
}

// User returns a copy of the current user, or nil when signed out.
func (s *Store) User() *identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	user := *s.user
	return &user
}

// Err returns the last surfaced error, cleared at the start of each call.
func (s *Store) Err() *apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Loading reports whether the given operation is in flight.
func (s *Store) Loading(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading[op]
}

// RunVerificationPoll re-fetches the user at the given interval while a
// session exists with an unconfirmed email, so the confirmed flag flips
// without a fresh sign-in. Runs until ctx is cancelled or the store closes.
func (s *Store) RunVerificationPoll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		sess := s.session
		user := s.user
		gen := s.generation
		s.mu.Unlock()

		if sess == nil || user == nil || user.EmailConfirmed {
			continue
		}
		if s.metrics != nil {
			s.metrics.VerificationPolls.Inc()
		}

		fresh, err := s.source.GetUser(ctx, sess.AccessToken)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				_ = s.SignOut(ctx, ReasonUserNotFound)
				continue
			}
			// Poll failures are not surfaced; the next tick retries.
			s.logger.DebugContext(ctx, "verification poll failed", "error", err)
			continue
		}

		s.mu.Lock()
		if !s.closed && s.generation == gen && s.session != nil {
			s.session.User = *fresh
			s.user = fresh
		}
		s.mu.Unlock()
	}
}
