package shared

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Remote catalog and downloader errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrPlaylistNotFound   = fmt.Errorf("playlist not found")
	ErrTrackNotFound      = fmt.Errorf("track not found")
	ErrRateLimited        = fmt.Errorf("rate limited")
	ErrNetwork            = fmt.Errorf("network failure")
	ErrTimeout            = fmt.Errorf("operation timed out")

	// Entity store errors
	ErrRunActive        = fmt.Errorf("another sync run is active")
	ErrPrimaryConflict  = fmt.Errorf("multiple memberships claim the primary file")
	ErrMalformedFile    = fmt.Errorf("malformed local file")
	ErrStaleAction      = fmt.Errorf("planned action no longer applies")
	ErrMissingArgument  = fmt.Errorf("missing required argument")
	ErrInvalidArgument  = fmt.Errorf("invalid argument")
)

// Severity buckets every error the pipeline can surface. The bucket decides
// retry policy and how loudly the failure is reported.
type Severity int

const (
	// SeverityTransient failures (network, rate limit, timeout) are retried
	// with backoff and downgraded to error status for a later run.
	SeverityTransient Severity = iota
	// SeverityStructural failures (missing remote entity, malformed file)
	// are recorded and surfaced but never retried automatically.
	SeverityStructural
	// SeverityIntegrity failures (broken invariants detected at read time)
	// exclude the affected track from the run; nothing guesses a fix.
	SeverityIntegrity
	// SeverityConfig failures abort the whole run before any mutation.
	SeverityConfig
)

func (s Severity) String() string {
	switch s {
	case SeverityTransient:
		return "transient"
	case SeverityStructural:
		return "structural"
	case SeverityIntegrity:
		return "integrity"
	case SeverityConfig:
		return "configuration"
	}
	return "unknown"
}

// Classify maps an error to its [Severity]. Unknown errors are treated as
// transient so a later run gets another chance at them.
func Classify(err error) Severity {
	switch {
	case errors.Is(err, ErrMissingConfig),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrMissingCredentials),
		errors.Is(err, ErrMissingArgument),
		errors.Is(err, ErrInvalidArgument):
		return SeverityConfig
	case errors.Is(err, ErrPrimaryConflict):
		return SeverityIntegrity
	case errors.Is(err, ErrPlaylistNotFound),
		errors.Is(err, ErrTrackNotFound),
		errors.Is(err, ErrMalformedFile),
		errors.Is(err, ErrStaleAction):
		return SeverityStructural
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ErrAPIRequest),
		errors.Is(err, context.DeadlineExceeded):
		return SeverityTransient
	}
	return SeverityTransient
}
