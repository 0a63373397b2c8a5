package worker

import "sync"

// FailpointAfterClaimOnce is the WORKER_FAILPOINT value that simulates one
// transient failure per process, immediately after the first claim.
const FailpointAfterClaimOnce = "after_claim_once"

// Failpoint is an injectable decision point in the processing path. It
// reports whether the current job should fail with a simulated transient
// error. Nil disables fault injection entirely; production wiring always
// passes nil unless explicitly configured otherwise.
type Failpoint func() bool

// AfterClaimOnce returns a Failpoint that fires exactly once per process.
func AfterClaimOnce() Failpoint {
	var (
		mu   sync.Mutex
		used bool
	)
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		if used {
			return false
		}
		used = true
		return true
	}
}

// FailpointFromConfig maps the WORKER_FAILPOINT config value to a Failpoint.
// Unknown or empty values disable fault injection.
func FailpointFromConfig(mode string) Failpoint {
	if mode == FailpointAfterClaimOnce {
		return AfterClaimOnce()
	}
	return nil
}
