package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/models"
)

const maxIdempotencyKeyLen = 256

// IdempotencyStore is the slice of the store the replay cache needs.
type IdempotencyStore interface {
	GetIdempotencyRecord(ctx context.Context, workspaceID, route, key string, now time.Time) (*models.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error
}

// Idempotency replays stored responses for repeated Idempotency-Key values.
// A repeat with the same request digest returns the recorded response with
// Idempotency-Replayed set; the same key with a different digest is a
// CONFLICT. Must run after PlaneAuth (records are scoped per workspace) and
// after BodyLimit (the digest reads the capped body).
func Idempotency(store IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idemKey := r.Header.Get("Idempotency-Key")
			if idemKey == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if len(idemKey) > maxIdempotencyKeyLen {
				respond.Err(w, r, apierr.InvalidRequest("Idempotency-Key must be at most 256 bytes"))
				return
			}
			key := KeyFromContext(r.Context())
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					respond.Err(w, r, apierr.PayloadTooLarge(maxErr.Limit))
					return
				}
				respond.Err(w, r, apierr.InvalidRequest("failed to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			digest := requestDigest(r.Method, r.URL.Path, body)
			route := r.Method + " " + r.URL.Path
			now := time.Now().UTC()

			rec, err := store.GetIdempotencyRecord(r.Context(), key.WorkspaceID, route, idemKey, now)
			switch {
			case err == nil:
				if rec.RequestDigest != digest {
					respond.Err(w, r, apierr.New(apierr.CodeConflict, "Idempotency-Key was already used with a different request").
						WithDetail("reason", "idempotency-digest-mismatch"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(rec.StatusCode)
				if _, err := w.Write([]byte(rec.ResponseBody)); err != nil {
					logger.Debug("failed to write replayed response", "error", err)
				}
				return
			case errors.Is(err, models.ErrIdempotencyNotFound):
				// first sighting, fall through and record
			default:
				respond.Err(w, r, err)
				return
			}

			rw := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			// 5xx and rate-limit refusals stay retryable.
			if rw.status >= http.StatusInternalServerError || rw.status == http.StatusTooManyRequests {
				return
			}
			putErr := store.PutIdempotencyRecord(r.Context(), &models.IdempotencyRecord{
				WorkspaceID:   key.WorkspaceID,
				Route:         route,
				Key:           idemKey,
				RequestDigest: digest,
				StatusCode:    rw.status,
				ResponseBody:  rw.body.String(),
				ExpiresAt:     now.Add(ttl),
			})
			if putErr != nil {
				logger.WarnCtx(r.Context(), "failed to store idempotency record", "error", putErr)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// requestDigest hashes method, path and body with NUL separators so no
// concatenation of fields can collide with another.
func requestDigest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// recordingWriter tees the response so a snapshot can be stored after the
// handler runs.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (rw *recordingWriter) WriteHeader(status int) {
	if !rw.wroteHeader {
		rw.status = status
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	rw.body.Write(p)
	return rw.ResponseWriter.Write(p)
}
