package platform

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter failure for the scheduler's retry policy.
type Kind string

const (
	// KindRateLimited: back off, do not retry inside the same tick.
	KindRateLimited Kind = "rate_limited"
	// KindAuthExpired: the access credential is no longer accepted;
	// the caller may attempt one refresh.
	KindAuthExpired Kind = "auth_expired"
	// KindTransient: retryable with bounded backoff.
	KindTransient Kind = "transient"
	// KindPermanent: no retry; surfaced to the config's error state.
	KindPermanent Kind = "permanent"
)

// Error is the typed failure returned by adapters.
type Error struct {
	Kind     Kind
	Platform string
	Status   int
	Code     int
	Msg      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error (status=%d code=%d): %s", e.Platform, e.Kind, e.Status, e.Code, e.Msg)
}

// KindOf extracts the failure kind; unknown errors count as transient so
// plain network failures get the bounded retry path.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}
