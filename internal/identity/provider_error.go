package identity

import "fmt"

// ProviderError is the structured shape of an identity provider failure.
// ErrorCode carries the provider's machine-readable code when it sends one;
// older endpoints respond with a bare message, so ErrorCode may be empty.
type ProviderError struct {
	ErrorCode string
	Status    int
	Message   string
}

func (e *ProviderError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("identity provider: %s (%s)", e.Message, e.ErrorCode)
	}
	return fmt.Sprintf("identity provider: %s", e.Message)
}
