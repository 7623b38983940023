// Package respond writes the carrel response envelope. Every JSON answer,
// success and failure alike, goes through here so the wire shape never
// drifts between handlers.
package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/pkg/apierr"
)

// serverTimeLayout renders UTC with millisecond precision, always.
const serverTimeLayout = "2006-01-02T15:04:05.000Z"

type envelope struct {
	OK         bool       `json:"ok"`
	Data       any        `json:"data,omitempty"`
	Error      *errorBody `json:"error,omitempty"`
	ServerTime string     `json:"serverTime"`
}

type errorBody struct {
	Code    apierr.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func serverTime() string {
	return time.Now().UTC().Format(serverTimeLayout)
}

// JSON writes a success envelope with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, envelope{OK: true, Data: data, ServerTime: serverTime()})
}

// Err writes the failure envelope for err. Unknown errors are logged and
// collapse to INTERNAL; the concealed key codes flatten to 404 through the
// taxonomy itself.
func Err(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.AsError(err)
	if apiErr == nil {
		logger.ErrorCtx(r.Context(), "request failed",
			"method", r.Method,
			"error", err,
		)
		apiErr = apierr.Internal()
	}

	status := apiErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(r.Context(), "request failed",
			"method", r.Method,
			"code", string(apiErr.Code),
			"error", apiErr.Message,
		)
	}

	if apiErr.Code == apierr.CodePayloadTooLarge {
		if limit, ok := apiErr.Details["limitBytes"]; ok {
			w.Header().Set("X-Content-Size-Limit", fmt.Sprint(limit))
		}
	}

	write(w, status, envelope{
		OK: false,
		Error: &errorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Details: apiErr.Details,
		},
		ServerTime: serverTime(),
	})
}

// Raw writes a non-enveloped body: markdown reads and zip exports.
func Raw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logger.Debug("failed to write raw response", "error", err)
	}
}

func write(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Debug("failed to encode response envelope", "error", err)
	}
}

// DecodeJSON reads a JSON request body into v. The body must already be
// capped with http.MaxBytesReader; an overflow during the read surfaces as
// PAYLOAD_TOO_LARGE, anything else malformed as INVALID_REQUEST.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierr.PayloadTooLarge(maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return apierr.InvalidRequest("request body is required")
		}
		return apierr.InvalidRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
