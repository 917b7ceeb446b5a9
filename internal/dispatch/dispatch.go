// Package dispatch routes a submitted auth form to the session operation the
// active intent calls for, then translates the outcome into a navigation
// decision. It is the single place where "which operation does what after it
// succeeds" is encoded.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"passage/internal/identity"
	"passage/internal/monitor"
	"passage/internal/operation"
	"passage/internal/session"
	"passage/pkg/apperrors"
)

// Navigation targets.
const (
	PathProfile      = "/profile"
	PathConfirmation = "/auth/confirmation"
)

// Result is the outcome of a dispatched submission. Exactly one of the
// success signals applies per operation: Navigate for sign-in and the
// password updates, EmailSent for the reset request, SwitchTo for the
// duplicate-registration redirect. Err is set only when the caller should
// display a failure.
type Result struct {
	Navigate  string
	EmailSent bool
	SwitchTo  *operation.Operation
	Err       *apperrors.Error
}

// Dispatcher binds operations to the session store.
type Dispatcher struct {
	store   *session.Store
	logger  *slog.Logger
	monitor monitor.Reporter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithMonitor(r monitor.Reporter) Option {
	return func(d *Dispatcher) { d.monitor = r }
}

func NewDispatcher(store *session.Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		logger:  logger,
		monitor: monitor.Noop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs the session operation for op with the submitted form values.
// A panic inside an operation is contained here: it surfaces as a
// non-operational internal error instead of taking the caller down.
func (d *Dispatcher) Dispatch(ctx context.Context, op operation.Operation, form operation.FormValues) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			appErr := apperrors.Unexpected(fmt.Errorf("panic: %v", r), "something went wrong, please try again")
			d.logger.ErrorContext(ctx, "dispatch panicked",
				"operation", string(op),
				"panic", fmt.Sprintf("%v", r),
			)
			d.monitor.Report(ctx, appErr)
			result = Result{Err: appErr}
		}
	}()

	if appErr := validate(op, form); appErr != nil {
		return Result{Err: appErr}
	}

	switch op {
	case operation.Login:
		return d.login(ctx, form)
	case operation.Register:
		return d.register(ctx, form)
	case operation.ForgotPassword:
		return d.forgotPassword(ctx, form)
	case operation.ResetPassword:
		return d.resetPassword(ctx, form)
	case operation.UpdatePassword:
		return d.updatePassword(ctx, form)
	default:
		return Result{Err: apperrors.New(apperrors.CodeInvalidInput, "unknown operation")}
	}
}

func (d *Dispatcher) login(ctx context.Context, form operation.FormValues) Result {
	if appErr := d.store.SignIn(ctx, form.Email, form.Password); appErr != nil {
		return Result{Err: appErr}
	}
	return Result{Navigate: PathProfile}
}

func (d *Dispatcher) register(ctx context.Context, form operation.FormValues) Result {
	profile := identity.SignUpProfile{DisplayName: form.DisplayName}
	appErr := d.store.SignUp(ctx, form.Email, form.Password, profile)
	if appErr == nil {
		return Result{Navigate: PathConfirmation}
	}

	// A duplicate registration is not an error worth displaying on the
	// register form: the account exists, so the right move is the login
	// operation with the form cleared.
	if appErr.Code == apperrors.CodeEmailAlreadyInUse {
		d.logger.InfoContext(ctx, "duplicate registration, switching to login")
		login := operation.Login
		return Result{SwitchTo: &login}
	}
	return Result{Err: appErr}
}

func (d *Dispatcher) forgotPassword(ctx context.Context, form operation.FormValues) Result {
	if appErr := d.store.ResetPasswordRequest(ctx, form.Email); appErr != nil {
		return Result{Err: appErr}
	}
	// No navigation: the form stays put and shows the check-your-email panel.
	return Result{EmailSent: true}
}

func (d *Dispatcher) resetPassword(ctx context.Context, form operation.FormValues) Result {
	if appErr := d.store.UpdatePassword(ctx, form.Password); appErr != nil {
		return Result{Err: appErr}
	}
	return Result{Navigate: PathProfile}
}

func (d *Dispatcher) updatePassword(ctx context.Context, form operation.FormValues) Result {
	if appErr := d.store.ChangePassword(ctx, form.CurrentPassword, form.Password); appErr != nil {
		return Result{Err: appErr}
	}
	return Result{Navigate: PathProfile}
}

// validate rejects submissions that cannot possibly succeed before any
// provider call. Field presence only; strength rules belong to the provider.
func validate(op operation.Operation, form operation.FormValues) *apperrors.Error {
	invalid := func(message string) *apperrors.Error {
		return apperrors.New(apperrors.CodeInvalidInput, message).
			WithContext("operation", string(op))
	}

	switch op {
	case operation.Login:
		if form.Email == "" || form.Password == "" {
			return invalid("email and password are required")
		}
	case operation.Register:
		if form.Email == "" || form.Password == "" {
			return invalid("email and password are required")
		}
		if form.Password != form.PasswordConfirm {
			return invalid("passwords do not match")
		}
	case operation.ForgotPassword:
		if form.Email == "" {
			return invalid("email is required")
		}
	case operation.ResetPassword:
		if form.Password == "" {
			return invalid("a new password is required")
		}
		if form.Password != form.PasswordConfirm {
			return invalid("passwords do not match")
		}
	case operation.UpdatePassword:
		if form.CurrentPassword == "" {
			return invalid("current password is required")
		}
		if form.Password == "" {
			return invalid("a new password is required")
		}
		if form.Password != form.PasswordConfirm {
			return invalid("passwords do not match")
		}
	}
	return nil
}
