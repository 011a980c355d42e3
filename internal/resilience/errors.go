// Package resilience defines the error kinds raised by the risk model and how
// the reactor reacts to each, plus retry with backoff for transient
// infrastructure failures.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// MissingReason distinguishes why a metric row is absent.
type MissingReason string

const (
	ReasonNeverComputed MissingReason = "never_computed"
	ReasonArchived      MissingReason = "archived"
)

// MissingMetricError is returned when no row exists for a subject at the
// requested horizon.
type MissingMetricError struct {
	Kind    string
	Subject string
	Reason  MissingReason
}

func (e *MissingMetricError) Error() string {
	return fmt.Sprintf("missing metric %s for %s (%s)", e.Kind, e.Subject, e.Reason)
}

// NewMissingMetric returns a MissingMetricError for a subject that was never computed.
func NewMissingMetric(kind, subject string) *MissingMetricError {
	return &MissingMetricError{Kind: kind, Subject: subject, Reason: ReasonNeverComputed}
}

// MissingDependencyError is returned when an input metric is absent at the
// required calculated_before horizon. It is retryable.
type MissingDependencyError struct {
	Metric            string
	Subject           string
	Dependency        string
	DependencySubject string
	CalculatedBefore  time.Time
	Cause             error
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%s for %s: missing dependency %s for %s before %s",
		e.Metric, e.Subject, e.Dependency, e.DependencySubject,
		e.CalculatedBefore.UTC().Format(time.RFC3339Nano))
}

func (e *MissingDependencyError) Unwrap() error {
	return e.Cause
}

// InvalidInputError is returned when inputs exist but fail a sanity check.
// The subject is skipped and not retried.
type InvalidInputError struct {
	Metric  string
	Subject string
	Reason  string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for %s %s: %s", e.Metric, e.Subject, e.Reason)
}

// ConfigError is returned when tenant configuration is malformed.
type ConfigError struct {
	TenantID string
	Path     string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tenant %s: invalid config %s", e.TenantID, e.Path)
	}
	return fmt.Sprintf("tenant %s: invalid config %s: %v", e.TenantID, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// FatalError marks an unexpected failure. The trigger is acknowledged to
// avoid a poison loop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Disposition is the reactor's response to a failed calculation.
type Disposition int

const (
	// DispositionAck logs the failure and acknowledges the trigger.
	DispositionAck Disposition = iota
	// DispositionDefer re-enqueues the trigger up to the retry cap.
	DispositionDefer
	// DispositionSkip logs the failure and moves on to the next calculation.
	DispositionSkip
)

func (d Disposition) String() string {
	switch d {
	case DispositionDefer:
		return "defer"
	case DispositionSkip:
		return "skip"
	default:
		return "ack"
	}
}

// Classify maps an error to the reactor's response.
func Classify(err error) Disposition {
	var md *MissingDependencyError
	if errors.As(err, &md) {
		return DispositionDefer
	}
	var ii *InvalidInputError
	if errors.As(err, &ii) {
		return DispositionSkip
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return DispositionSkip
	}
	var mm *MissingMetricError
	if errors.As(err, &mm) {
		return DispositionSkip
	}
	return DispositionAck
}

// ErrorKind names the error kind for logs and metric labels.
func ErrorKind(err error) string {
	var md *MissingDependencyError
	var ii *InvalidInputError
	var ce *ConfigError
	var mm *MissingMetricError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &md):
		return "missing_dependency"
	case errors.As(err, &mm):
		return "missing_metric"
	case errors.As(err, &ii):
		return "invalid_input"
	case errors.As(err, &ce):
		return "config"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "fatal"
	}
}

// AsMissingDependency extracts a MissingDependencyError from err's chain.
func AsMissingDependency(err error) (*MissingDependencyError, bool) {
	var md *MissingDependencyError
	if errors.As(err, &md) {
		return md, true
	}
	return nil, false
}

// IsMissingMetric reports whether err's chain contains a MissingMetricError.
func IsMissingMetric(err error) bool {
	var mm *MissingMetricError
	return errors.As(err, &mm)
}

// TransientError wraps an infrastructure error that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common transient network, Redis, or Postgres
// failure patterns. Risk model error kinds are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var md *MissingDependencyError
	var mm *MissingMetricError
	if errors.As(err, &md) || errors.As(err, &mm) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"connection pool timeout",
		"loading redis is loading the dataset in memory",
		"tryagain",
		"conn closed",
		"too many clients already",
		"the database system is starting up",
		"could not serialize access",
		"deadlock detected",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
