package dispatch

import "github.com/google/uuid"

// newRequestID returns a fresh identifier for tracing one request through
// the queue, registry, and event log.
func newRequestID() string {
	return "req_" + uuid.NewString()
}
