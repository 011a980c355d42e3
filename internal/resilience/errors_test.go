package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("redis overloaded"))
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("pool exhausted"))
	wrapped := fmt.Errorf("dequeue failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionErrors(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		err := fmt.Errorf("dial tcp: %w", errno)
		assert.True(t, IsTransient(err), errno.Error())
	}
}

func TestIsTransient_NetTimeout(t *testing.T) {
	err := &net.DNSError{Err: "timeout", Name: "db.internal", IsTimeout: true}
	assert.True(t, IsTransient(err))
}

func TestIsTransient_StringPatterns(t *testing.T) {
	cases := []string{
		"write: broken pipe",
		"read tcp 10.0.0.1:5432: i/o timeout",
		"ERROR: deadlock detected (SQLSTATE 40P01)",
		"FATAL: sorry, too many clients already",
		"LOADING Redis is loading the dataset in memory",
	}
	for _, msg := range cases {
		assert.True(t, IsTransient(errors.New(msg)), msg)
	}
}

func TestIsTransient_RiskErrorsNeverTransient(t *testing.T) {
	md := &MissingDependencyError{Metric: "a", Dependency: "b", Cause: NewTransientError(errors.New("i/o timeout"))}
	assert.False(t, IsTransient(md))
	assert.False(t, IsTransient(NewMissingMetric("a", "t1/e1")))
}

func TestClassify(t *testing.T) {
	md := &MissingDependencyError{Metric: "task_specific_risk_score", Dependency: "library_task_safety_climate_multiplier"}
	cases := []struct {
		name string
		err  error
		want Disposition
	}{
		{"missing dependency", md, DispositionDefer},
		{"wrapped missing dependency", eris.Wrap(md, "riskmodel: run"), DispositionDefer},
		{"invalid input", &InvalidInputError{Metric: "x", Reason: "negative multiplier"}, DispositionSkip},
		{"config", &ConfigError{TenantID: "t1", Path: "RISK_MODEL.X.type"}, DispositionSkip},
		{"missing metric", NewMissingMetric("x", "t1/e1"), DispositionSkip},
		{"fatal", &FatalError{Err: errors.New("boom")}, DispositionAck},
		{"plain", errors.New("boom"), DispositionAck},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "none", ErrorKind(nil))
	assert.Equal(t, "missing_dependency", ErrorKind(&MissingDependencyError{}))
	assert.Equal(t, "missing_metric", ErrorKind(NewMissingMetric("k", "s")))
	assert.Equal(t, "invalid_input", ErrorKind(&InvalidInputError{}))
	assert.Equal(t, "config", ErrorKind(&ConfigError{}))
	assert.Equal(t, "cancelled", ErrorKind(eris.Wrap(context.Canceled, "run")))
	assert.Equal(t, "fatal", ErrorKind(errors.New("x")))
}

func TestMissingDependencyError_Message(t *testing.T) {
	before := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &MissingDependencyError{
		Metric:            "activity_total_task_risk",
		Subject:           "t1/a1/2024-01-02",
		Dependency:        "task_specific_risk_score",
		DependencySubject: "t1/task1/2024-01-02",
		CalculatedBefore:  before,
	}
	assert.Contains(t, err.Error(), "missing dependency task_specific_risk_score")
	assert.Contains(t, err.Error(), "2024-01-02T03:04:05Z")

	got, ok := AsMissingDependency(eris.Wrap(err, "outer"))
	require.True(t, ok)
	assert.Equal(t, "task_specific_risk_score", got.Dependency)
}

func TestMissingMetricError_Reason(t *testing.T) {
	err := &MissingMetricError{Kind: "k", Subject: "s", Reason: ReasonArchived}
	assert.Contains(t, err.Error(), "archived")
	assert.True(t, IsMissingMetric(fmt.Errorf("wrap: %w", err)))
	assert.False(t, IsMissingMetric(errors.New("other")))
}

func TestConfigError_Unwrap(t *testing.T) {
	inner := errors.New("not a number")
	err := &ConfigError{TenantID: "t1", Path: "RISK_MODEL.X.thresholds", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "not a number")
}
