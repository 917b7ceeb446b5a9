package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"passage/internal/identity"
	"passage/internal/identity/mocks"
	"passage/pkg/apperrors"
	"passage/pkg/sentinel"
)

type recordedReason struct {
	userID string
	reason string
}

type fakeRecorder struct {
	records []recordedReason
}

func (f *fakeRecorder) Record(_ context.Context, userID, reason string) error {
	f.records = append(f.records, recordedReason{userID: userID, reason: reason})
	return nil
}

func testSession(email string, confirmed bool) *identity.Session {
	return &identity.Session{
		AccessToken:  "at-" + email,
		RefreshToken: "rt-" + email,
		ExpiresAt:    time.Now().Add(time.Hour),
		User: identity.User{
			ID:             "user-" + email,
			Email:          email,
			EmailConfirmed: confirmed,
			CreatedAt:      time.Now().Add(-24 * time.Hour),
		},
	}
}

// newStore wires a store to a mock source and returns the captured event
// callback so tests can simulate provider pushes.
func newStore(t *testing.T, opts ...Option) (*Store, *mocks.MockIdentitySource, func(identity.Event)) {
	t.Helper()
	ctrl := gomock.NewController(t)
	source := mocks.NewMockIdentitySource(ctrl)

	var pushed func(identity.Event)
	source.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(fn func(identity.Event)) func() {
		pushed = fn
		return func() {}
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore(source, logger, opts...)
	t.Cleanup(store.Close)
	require.NotNil(t, pushed)
	return store, source, pushed
}

func TestInitialize_SignedOut(t *testing.T) {
	store, source, _ := newStore(t)
	source.EXPECT().CurrentSession(gomock.Any()).Return(nil, nil)

	appErr := store.Initialize(context.Background())

	assert.Nil(t, appErr)
	assert.Nil(t, store.Session())
	assert.Nil(t, store.User())
}

func TestInitialize_ActiveSession(t *testing.T) {
	store, source, _ := newStore(t)
	sess := testSession("user@test.com", true)
	source.EXPECT().CurrentSession(gomock.Any()).Return(sess, nil)
	source.EXPECT().GetUser(gomock.Any(), sess.AccessToken).Return(&sess.User, nil)

	appErr := store.Initialize(context.Background())

	assert.Nil(t, appErr)
	require.NotNil(t, store.Session())
	require.NotNil(t, store.User())
	assert.Equal(t, "user@test.com", store.User().Email)
}

func TestInitialize_DeletedAccountForcesSignOut(t *testing.T) {
	recorder := &fakeRecorder{}
	store, source, _ := newStore(t, WithReasonRecorder(recorder))

	sess := testSession("gone@test.com", true)
	source.EXPECT().CurrentSession(gomock.Any()).Return(sess, nil)
	source.EXPECT().GetUser(gomock.Any(), sess.AccessToken).
		Return(nil, fmt.Errorf("get user: %w", sentinel.ErrNotFound))
	// The orphaned token is revoked even though the account record is gone.
	source.EXPECT().SignOut(gomock.Any(), sess.AccessToken).Return(nil)

	store.Initialize(context.Background())

	assert.Nil(t, store.Session())
	assert.Nil(t, store.User())
	require.Len(t, recorder.records, 1)
	assert.Equal(t, string(ReasonUserNotFound), recorder.records[0].reason)
	// Recorded under the deleted account's ID so the next render can
	// consume it through the session cache entry.
	assert.Equal(t, sess.User.ID, recorder.records[0].userID)
}

func TestInitialize_RefreshFailureIsSilent(t *testing.T) {
	store, source, _ := newStore(t)
	source.EXPECT().CurrentSession(gomock.Any()).Return(nil, &identity.ProviderError{
		ErrorCode: "refresh_token_not_found",
		Status:    http.StatusBadRequest,
		Message:   "Invalid Refresh Token: Refresh Token Not Found",
	})

	appErr := store.Initialize(context.Background())

	assert.Nil(t, appErr)
	assert.Nil(t, store.Session())
	assert.Nil(t, store.Err())
}

func TestInitialize_EventWinsOverSlowerFetch(t *testing.T) {
	store, source, push := newStore(t)

	stale := testSession("stale@test.com", true)
	fresh := testSession("fresh@test.com", true)

	// The push notification arrives while the initialization fetch is still
	// in flight; the fetch resolves later with stale data.
	source.EXPECT().CurrentSession(gomock.Any()).DoAndReturn(
		func(context.Context) (*identity.Session, error) {
			push(identity.Event{Type: identity.EventSignedIn, Session: fresh})
			return stale, nil
		})
	source.EXPECT().GetUser(gomock.Any(), stale.AccessToken).Return(&stale.User, nil)

	store.Initialize(context.Background())

	require.NotNil(t, store.Session())
	assert.Equal(t, "fresh@test.com", store.User().Email)
}

func TestSignIn_Success(t *testing.T) {
	store, source, _ := newStore(t)
	sess := testSession("user@test.com", true)
	source.EXPECT().SignInWithPassword(gomock.Any(), "user@test.com", "secret").Return(sess, nil)

	appErr := store.SignIn(context.Background(), "user@test.com", "secret")

	assert.Nil(t, appErr)
	require.NotNil(t, store.Session())
	require.NotNil(t, store.User())
	assert.False(t, store.Loading(OpSignIn))
}

func TestSignIn_WrongPassword(t *testing.T) {
	store, source, _ := newStore(t)
	source.EXPECT().SignInWithPassword(gomock.Any(), "user@test.com", "wrong").
		Return(nil, &identity.ProviderError{
			Status:  http.StatusBadRequest,
			Message: "Invalid email or password",
		})

	appErr := store.SignIn(context.Background(), "user@test.com", "wrong")

	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.CodeInvalidCredentials, appErr.Code)
	assert.Nil(t, store.Session())
	assert.Equal(t, appErr, store.Err())
}

func TestSignIn_ClearsPriorError(t *testing.T) {
	store, source, _ := newStore(t)
	source.EXPECT().SignInWithPassword(gomock.Any(), "user@test.com", "wrong").
		Return(nil, &identity.ProviderError{Status: http.StatusBadRequest, Message: "Invalid login credentials"})
	sess := testSession("user@test.com", true)
	source.EXPECT().SignInWithPassword(gomock.Any(), "user@test.com", "right").Return(sess, nil)

	store.SignIn(context.Background(), "user@test.com", "wrong")
	require.NotNil(t, store.Err())

	store.SignIn(context.Background(), "user@test.com", "right")
	assert.Nil(t, store.Err())
}

func TestSessionUserCoupling(t *testing.T) {
	store, source, push := newStore(t)
	sess := testSession("user@test.com", true)
	source.EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(sess, nil)
	source.EXPECT().SignOut(gomock.Any(), sess.AccessToken).Return(nil)

	check := func() {
		t.Helper()
		gotSession := store.Session()
		gotUser := store.User()
		assert.Equal(t, gotSession != nil, gotUser != nil, "session and user must be set or cleared together")
	}

	check()
	store.SignIn(context.Background(), "user@test.com", "secret")
	check()
	push(identity.Event{Type: identity.EventTokenRefreshed, Session: testSession("user@test.com", true)})
	check()
	store.SignOut(context.Background(), ReasonUserAction)
	check()
	assert.Nil(t, store.Session())
}

func TestSignOut_UserActionNotRecorded(t *testing.T) {
	recorder := &fakeRecorder{}
	store, source, _ := newStore(t, WithReasonRecorder(recorder))
	sess := testSession("user@test.com", true)
	source.EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(sess, nil)
	source.EXPECT().SignOut(gomock.Any(), sess.AccessToken).Return(nil)

	store.SignIn(context.Background(), "user@test.com", "secret")
	store.SignOut(context.Background(), ReasonUserAction)

	assert.Empty(t, recorder.records)
}

func TestPushSignOutClearsStateSilently(t *testing.T) {
	store, source, push := newStore(t)
	sess := testSession("user@test.com", true)
	source.EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(sess, nil)

	store.SignIn(context.Background(), "user@test.com", "secret")
	require.NotNil(t, store.Session())

	// Refresh failed in the background: the source pushes SIGNED_OUT.
	push(identity.Event{Type: identity.EventSignedOut})

	assert.Nil(t, store.Session())
	assert.Nil(t, store.User())
	assert.Nil(t, store.Err())
}

func TestSubscribe_UnsubscribeIsIdempotent(t *testing.T) {
	store, _, push := newStore(t)

	var seen int
	unsubscribe := store.Subscribe(func(identity.Event) { seen++ })

	push(identity.Event{Type: identity.EventSignedOut})
	assert.Equal(t, 1, seen)

	unsubscribe()
	unsubscribe() // second call must not panic or resurrect the subscription

	push(identity.Event{Type: identity.EventSignedOut})
	assert.Equal(t, 1, seen)
}

func TestUpdatePassword_NoSession(t *testing.T) {
	store, _, _ := newStore(t)

	appErr := store.UpdatePassword(context.Background(), "new-password")

	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.CodeSessionExpired, appErr.Code)
}

func TestChangePassword_RequiresCurrentPassword(t *testing.T) {
	store, source, _ := newStore(t)
	sess := testSession("user@test.com", true)
	source.EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(sess, nil)
	source.EXPECT().ChangePassword(gomock.Any(), sess.AccessToken, "old-pass", "new-pass").
		Return(&sess.User, nil)

	store.SignIn(context.Background(), "user@test.com", "secret")
	appErr := store.ChangePassword(context.Background(), "old-pass", "new-pass")

	assert.Nil(t, appErr)
}

func TestRunVerificationPoll_UpdatesConfirmedFlag(t *testing.T) {
	store, source, _ := newStore(t)
	sess := testSession("user@test.com", false)
	source.EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(sess, nil)

	confirmed := sess.User
	confirmed.EmailConfirmed = true
	polled := make(chan struct{})
	source.EXPECT().GetUser(gomock.Any(), sess.AccessToken).DoAndReturn(
		func(context.Context, string) (*identity.User, error) {
			close(polled)
			return &confirmed, nil
		})

	store.SignIn(context.Background(), "user@test.com", "secret")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = store.RunVerificationPoll(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never ran")
	}

	assert.Eventually(t, func() bool {
		user := store.User()
		return user != nil && user.EmailConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
