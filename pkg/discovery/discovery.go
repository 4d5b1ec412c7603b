// Package discovery implements service-instance selection for the
// random-chats services: a Registry holding statically configured pools with
// round-robin, liveness-probed selection, and a Client that resolves logical
// service names through the gateway and retries failed calls against fresh
// instances. Every service talks to its peers through one shared Client so
// there is exactly one retry policy in the system.
package discovery

import "errors"

// Instance is one member of a service pool.
type Instance struct {
	URL string `json:"url"`
}

var (
	// ErrUnknownService means the requested pool is not configured.
	ErrUnknownService = errors.New("discovery: unknown service")

	// ErrNoLiveInstance means every instance in the pool failed its
	// liveness probe.
	ErrNoLiveInstance = errors.New("discovery: no live instance")

	// ErrRequestFailed means the retry budget was exhausted. Callers must
	// treat it as "service currently unreachable", not as permanent.
	ErrRequestFailed = errors.New("discovery: request failed")
)
