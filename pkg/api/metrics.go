package api

import "time"

// Metrics provides observability for the HTTP layer. Pass nil to disable
// collection; the middleware and handlers check before recording, and the
// Prometheus implementation tolerates a nil receiver as well.
type Metrics interface {
	// ObserveRequest records one completed request under its route pattern.
	ObserveRequest(route, method string, code int, duration time.Duration)

	// RecordAppend counts one accepted append by type.
	RecordAppend(kind string)

	// RecordRateLimited counts one request refused by the rate limiter.
	RecordRateLimited(route string)
}
