// Package operation models the five authentication intents the adaptive form
// can express. The active operation is derived from the URL's query
// parameter on every render, never cached independently, so back/forward
// navigation and deep links always agree with the displayed form.
package operation

import (
	"net/url"
	"sync"

	"passage/pkg/apperrors"
)

// Operation is the closed set of auth intents.
type Operation string

const (
	Login          Operation = "login"
	Register       Operation = "register"
	ForgotPassword Operation = "forgot-password"
	ResetPassword  Operation = "reset-password"
	UpdatePassword Operation = "update-password"
)

// QueryParam is the query parameter the operation is derived from. Writing
// this parameter is the sole mechanism for operation switching.
const QueryParam = "op"

// All lists every operation, in form order.
func All() []Operation {
	return []Operation{Login, Register, ForgotPassword, ResetPassword, UpdatePassword}
}

// Parse maps a raw parameter value to an operation. Unrecognized or missing
// values default to Login.
func Parse(raw string) Operation {
	switch Operation(raw) {
	case Login, Register, ForgotPassword, ResetPassword, UpdatePassword:
		return Operation(raw)
	default:
		return Login
	}
}

// FromURL derives the active operation from a URL.
func FromURL(u *url.URL) Operation {
	return Parse(u.Query().Get(QueryParam))
}

// FormValues is the one form instance shared by all five operations.
type FormValues struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	CurrentPassword string `json:"current_password"`
	DisplayName     string `json:"display_name"`
}

// Defaults returns the form's default values for an operation. Every
// operation starts from an empty form; typed values never leak across
// operations.
func Defaults(Operation) FormValues {
	return FormValues{}
}

// Controller tracks the active operation and the form state that depends on
// it. It is reactive: transitions happen through Sync when navigation
// changes the URL, never by mutating the operation directly.
type Controller struct {
	mu        sync.Mutex
	current   Operation
	form      FormValues
	err       *apperrors.Error
	emailSent bool
}

func NewController() *Controller {
	return &Controller{current: Login, form: Defaults(Login)}
}

// Sync derives the operation from u and, on a transition, resets the form to
// the new operation's defaults, clears any displayed error and clears the
// email-sent flag. Returns whether a transition happened.
func (c *Controller) Sync(u *url.URL) bool {
	next := FromURL(u)

	c.mu.Lock()
	defer c.mu.Unlock()
	if next == c.current {
		return false
	}
	c.current = next
	c.form = Defaults(next)
	c.err = nil
	c.emailSent = false
	return true
}

// SwitchTo rewrites the operation query parameter on u and returns the
// resulting URL. It does not touch controller state: the caller navigates to
// the returned URL and the transition lands through Sync, keeping browser
// history and the rendered operation in lockstep.
func (c *Controller) SwitchTo(u *url.URL, op Operation) *url.URL {
	rewritten := *u
	query := rewritten.Query()
	query.Set(QueryParam, string(op))
	rewritten.RawQuery = query.Encode()
	return &rewritten
}

// Current returns the active operation.
func (c *Controller) Current() Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Form returns the current form values.
func (c *Controller) Form() FormValues {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// SetForm stores user-typed form values for the active operation.
func (c *Controller) SetForm(form FormValues) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.form = form
}

// Err returns the displayed error, if any.
func (c *Controller) Err() *apperrors.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetErr records the error to display for the active operation.
func (c *Controller) SetErr(appErr *apperrors.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = appErr
}

// EmailSent reports whether the "check your email" panel is showing.
func (c *Controller) EmailSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emailSent
}

// MarkEmailSent flips the success panel on after a reset request.
func (c *Controller) MarkEmailSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emailSent = true
}
