package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RegistrationInput is validated before a host or service is registered.
// A failure here is rejected at registration time and never reaches the
// scheduler or state machine.
type RegistrationInput struct {
	CheckInterval    time.Duration `validate:"gt=0"`
	MaxCheckAttempts int           `validate:"gt=0"`
}

// ValidateRegistration checks in against RegistrationInput's constraints,
// returning an error naming the offending field path on failure.
func ValidateRegistration(in RegistrationInput) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("config: invalid registration: %w", err)
	}
	return nil
}

// DowntimeWindow is validated before a downtime is scheduled.
type DowntimeWindow struct {
	Start time.Time `validate:"required"`
	End   time.Time `validate:"required,gtfield=Start"`
}

// ValidateDowntimeWindow checks w against DowntimeWindow's constraints.
func ValidateDowntimeWindow(w DowntimeWindow) error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("config: invalid downtime window: %w", err)
	}
	return nil
}
