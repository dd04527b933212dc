package monitoring

import "errors"

// Monitoring errors
var (
	// Usage errors: fatal to the caller, never to the process.

	ErrSpanCollision = errors.New("iteration span already open for owner and key")
	ErrNoOpenSpan    = errors.New("no open iteration span")
	ErrSpanConsumed  = errors.New("iteration span already completed")
	ErrUnknownKey    = errors.New("metric key not registered")
	ErrKeyExists     = errors.New("metric key already registered")

	// Energy probe errors: callers must distinguish a probe that does not
	// exist on this machine from one that exists but could not be opened.

	ErrProbeNotFound = errors.New("energy probe not found")
	ErrProbeOpen     = errors.New("energy probe open failed")
	ErrProbeClosed   = errors.New("energy probe is closed")
)
