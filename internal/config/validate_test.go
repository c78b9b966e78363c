package config

import (
	"testing"
	"time"
)

func TestValidateRegistrationRejectsNonPositiveCheckInterval(t *testing.T) {
	err := ValidateRegistration(RegistrationInput{CheckInterval: 0, MaxCheckAttempts: 3})
	if err == nil {
		t.Fatal("expected an error for a zero check interval")
	}
}

func TestValidateRegistrationRejectsNonPositiveMaxCheckAttempts(t *testing.T) {
	err := ValidateRegistration(RegistrationInput{CheckInterval: time.Minute, MaxCheckAttempts: 0})
	if err == nil {
		t.Fatal("expected an error for zero max_check_attempts")
	}
}

func TestValidateRegistrationAcceptsValidInput(t *testing.T) {
	err := ValidateRegistration(RegistrationInput{CheckInterval: time.Minute, MaxCheckAttempts: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDowntimeWindowRejectsEndBeforeStart(t *testing.T) {
	now := time.Now()
	err := ValidateDowntimeWindow(DowntimeWindow{Start: now, End: now.Add(-time.Hour)})
	if err == nil {
		t.Fatal("expected an error when end precedes start")
	}
}

func TestValidateDowntimeWindowRejectsZeroEnd(t *testing.T) {
	err := ValidateDowntimeWindow(DowntimeWindow{Start: time.Now()})
	if err == nil {
		t.Fatal("expected an error for a zero-value end time")
	}
}

func TestValidateDowntimeWindowAcceptsValidWindow(t *testing.T) {
	now := time.Now()
	err := ValidateDowntimeWindow(DowntimeWindow{Start: now, End: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
