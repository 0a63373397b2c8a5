package worker

import (
	"errors"
	"strings"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// permanentKeywords matches errors from collaborators that don't use the
// typed errors: payload and validation failures phrased in the usual way.
var permanentKeywords = []string{
	"malformed",
	"missing",
	"invalid",
	"not found",
}

// Classify maps an error to a failure category, independent of the retry
// budget. Payload, validation, and not-found failures are permanent;
// everything else defaults to retryable so infrastructure faults get another
// chance rather than discarding work.
func Classify(err error) store.FailureType {
	var malformed *MalformedPayloadError
	if errors.As(err, &malformed) {
		return store.FailurePermanent
	}
	if errors.Is(err, store.ErrEventNotFound) || errors.Is(err, store.ErrJobNotFound) {
		return store.FailurePermanent
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range permanentKeywords {
		if strings.Contains(msg, kw) {
			return store.FailurePermanent
		}
	}
	return store.FailureRetryable
}
