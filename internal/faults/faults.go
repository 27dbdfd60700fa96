package faults

import (
	"errors"
	"fmt"
	"time"
)

// Severity ranks execution failures. CRITICAL halts the tight loop, HIGH is
// retried with backoff before escalating, MEDIUM degrades output, LOW is
// informational.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// ConfigError means a required config field is missing or invalid. It is
// raised at request construction, before any component runs.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// NewConfigError builds a ConfigError for a single field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// DataUnavailableError marks a specific data point absent from a snapshot.
// Components resolve it locally into a zero/"unavailable" marker; it only
// escalates when the missing point is required for a mandatory calculation.
type DataUnavailableError struct {
	Section   string
	Key       string
	Timestamp time.Time
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable: %s/%s at %s", e.Section, e.Key, e.Timestamp.UTC().Format(time.RFC3339))
}

// ExecutionError is a failure at a venue boundary or inside the tight loop.
type ExecutionError struct {
	Severity Severity
	OrderID  string
	Venue    string
	Code     string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("execution [%s] order=%s venue=%s code=%s", e.Severity, e.OrderID, e.Venue, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ReconciliationError reports expected vs observed positions diverging beyond
// tolerance after an order. Always HIGH severity; live mode only.
type ReconciliationError struct {
	OrderID    string
	Mismatches int
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation: order=%s mismatched_assets=%d", e.OrderID, e.Mismatches)
}

// SeverityOf extracts the severity carried by err, defaulting to HIGH for
// reconciliation failures and CRITICAL for anything untyped.
func SeverityOf(err error) Severity {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Severity
	}
	var re *ReconciliationError
	if errors.As(err, &re) {
		return SeverityHigh
	}
	return SeverityCritical
}

// IsCritical reports whether err should halt the current iteration outright.
func IsCritical(err error) bool {
	return err != nil && SeverityOf(err) == SeverityCritical
}

// Escalate returns a copy of an ExecutionError promoted to CRITICAL, used
// when bounded retries are exhausted.
func Escalate(err error) error {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return &ExecutionError{
			Severity: SeverityCritical,
			OrderID:  ee.OrderID,
			Venue:    ee.Venue,
			Code:     ee.Code,
			Err:      fmt.Errorf("retries exhausted: %w", ee.Err),
		}
	}
	return err
}
