package middleware

import "net/http"

// BodyLimit caps request bodies at n bytes via http.MaxBytesReader. Reads
// past the cap surface as *http.MaxBytesError, which the decode path turns
// into PAYLOAD_TOO_LARGE.
func BodyLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
