package worker

import (
	"errors"
	"fmt"
)

// MalformedPayloadError reports an event payload missing a field the effect
// requires. Always classified permanent: replaying the same payload can never
// succeed.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

// errFailpoint is the simulated transient failure raised by the dev-only
// failpoint. Classified retryable like any other infrastructure fault.
var errFailpoint = errors.New("failpoint: simulated transient failure")
