// Package monitor reports non-operational errors to an external monitoring
// sink. Reporting is fail-open: a sink outage must never break the auth
// operation that observed the error.
package monitor

import (
	"context"

	"passage/pkg/apperrors"
)

// Reporter receives classified errors flagged as non-operational.
type Reporter interface {
	Report(ctx context.Context, appErr *apperrors.Error)
}

// Noop discards every report. Used when no broker is configured and in tests.
type Noop struct{}

func (Noop) Report(context.Context, *apperrors.Error) {}
