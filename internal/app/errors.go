package app

import (
	"errors"
	"fmt"

	"bloodbank/pkg/notify"
	"bloodbank/pkg/store"
)

var (
	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	// ErrUserDisabled is returned when an account is disabled.
	// Handlers should generally NOT expose this to clients to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")

	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrForbidden          = errors.New("forbidden")
	ErrCannotModifySelf   = errors.New("admins cannot delete or disable their own account")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound and ErrInsufficientUnits are shared with the store so errors.Is works across layers.
	ErrNotFound          = store.ErrNotFound
	ErrInsufficientUnits = store.ErrInsufficientUnits
)

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DeliveryError is returned when a single-recipient email could not be delivered.
// It carries the resolved donor so the caller can retry just that recipient.
type DeliveryError struct {
	Donor      DonorRef
	Resolution ResolutionKind
	Code       notify.Code
	Reason     string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("email delivery to %s failed (%s): %s", e.Donor.Email, e.Code, e.Reason)
}
