package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"missing config", ErrMissingConfig, SeverityConfig},
		{"invalid config", ErrInvalidConfig, SeverityConfig},
		{"missing credentials", ErrMissingCredentials, SeverityConfig},
		{"invalid argument", ErrInvalidArgument, SeverityConfig},
		{"primary conflict", ErrPrimaryConflict, SeverityIntegrity},
		{"playlist not found", ErrPlaylistNotFound, SeverityStructural},
		{"track not found", ErrTrackNotFound, SeverityStructural},
		{"malformed file", ErrMalformedFile, SeverityStructural},
		{"stale action", ErrStaleAction, SeverityStructural},
		{"rate limited", ErrRateLimited, SeverityTransient},
		{"network", ErrNetwork, SeverityTransient},
		{"timeout", ErrTimeout, SeverityTransient},
		{"deadline exceeded", context.DeadlineExceeded, SeverityTransient},
		{"unknown defaults to transient", errors.New("surprise"), SeverityTransient},
		{"wrapped sentinel", fmt.Errorf("during fetch: %w", ErrRateLimited), SeverityTransient},
		{"wrapped config sentinel", fmt.Errorf("loading: %w", ErrMissingConfig), SeverityConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityTransient, "transient"},
		{SeverityStructural, "structural"},
		{SeverityIntegrity, "integrity"},
		{SeverityConfig, "configuration"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.severity, got, tt.want)
		}
	}
}
