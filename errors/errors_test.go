package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"not signed in", ErrNotSignedIn, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"tag not found", ErrTagNotFound, false},
		{"unauthorized", ErrUnauthorized, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"unauthorized", ErrUnauthorized, true},
		{"wrapped unauthorized", fmt.Errorf("sign in: %w", ErrUnauthorized), true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"fatal in message", fmt.Errorf("fatal system error occurred"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid data", ErrInvalidData, true},
		{"tag manager not found", ErrTagManagerNotFound, true},
		{"sensor not found", fmt.Errorf("%w: humidity", ErrSensorNotFound), true},
		{"ambiguous target", ErrAmbiguousTarget, true},
		{"merge type", ErrMergeType, true},
		{"connection lost", ErrConnectionLost, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"transient", ErrConnectionLost, ErrorTransient},
		{"fatal", ErrUnauthorized, ErrorFatal},
		{"invalid", ErrTagNotFound, ErrorInvalid},
		{"unknown", errors.New("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "Resolver", "Resolve", "lookup") != nil {
		t.Fatal("expected nil for nil error")
	}

	err := Wrap(ErrTagNotFound, "Resolver", "Resolve", "tag lookup")
	expected := "Resolver.Resolve: tag lookup failed: tag not found"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrTagNotFound) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(ErrSensorNotFound, "Router", "Route", "sensor lookup")

			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", err)
			}
			if ce.Class != test.class {
				t.Errorf("expected class %v, got %v", test.class, ce.Class)
			}
			if ce.Component != "Router" || ce.Operation != "Route" {
				t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
			}
			if !errors.Is(err, ErrSensorNotFound) {
				t.Error("classified error should unwrap to sentinel")
			}
			if !strings.Contains(err.Error(), "sensor lookup failed") {
				t.Errorf("unexpected message %q", err.Error())
			}
			if test.wrap(nil, "a", "b", "c") != nil {
				t.Error("expected nil for nil error")
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	for _, err := range []error{ErrTagManagerNotFound, ErrTagNotFound, ErrSensorNotFound, ErrSessionNotFound} {
		if !IsNotFound(WrapInvalid(err, "x", "y", "z")) {
			t.Errorf("expected %v to be not-found", err)
		}
	}
	if IsNotFound(ErrAmbiguousTarget) {
		t.Error("ambiguous target is not a not-found error")
	}
}

func TestAPIError(t *testing.T) {
	err := fmt.Errorf("discover: %w", &APIError{StatusCode: 403, Fault: "access denied"})
	if code := StatusCode(err); code != 403 {
		t.Errorf("expected 403, got %d", code)
	}
	if StatusCode(ErrTagNotFound) != 0 {
		t.Error("expected zero status for non-API error")
	}
	if msg := (&APIError{Fault: "boom"}).Error(); msg != "cloud api error: boom" {
		t.Errorf("unexpected message %q", msg)
	}
}
