package notify

import (
	"context"
	"fmt"
)

// Provider is the push channel. Send delivers one templated message to a
// platform-level user id.
type Provider interface {
	Send(ctx context.Context, openID, templateID string, fields map[string]string) error
}

// ProviderError distinguishes a permanent rejection (user revoked the
// subscription at the provider) from a transient delivery failure.
type ProviderError struct {
	Permanent bool
	Code      int
	Msg       string
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("push provider: %s failure (code=%d): %s", kind, e.Code, e.Msg)
}
