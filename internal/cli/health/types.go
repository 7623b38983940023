// Package health provides shared types for the server probe responses.
package health

// Liveness is the GET /healthz payload.
type Liveness struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Readiness is the GET /readyz payload. Reason is set when the store is
// unreachable, Latency when the round trip succeeded.
type Readiness struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Latency string `json:"latency,omitempty"`
}
