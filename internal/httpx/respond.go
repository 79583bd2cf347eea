// Package httpx holds the JSON response and auth helpers shared by the
// public API and the media engine's internal API.
package httpx

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/aegis-play/internal/apperr"
)

// RetryAfterSeconds is advertised with every 503.
const RetryAfterSeconds = 5

const maxBody = 1 << 20

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	if r != nil {
		payload.Error.RequestID = middleware.GetReqID(r.Context())
	}
	WriteJSON(w, status, payload)
}

// WriteError maps err onto its HTTP status and caller-facing message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	var payload apiError
	payload.Error.Code = string(kind)
	payload.Error.Message = apperr.MessageOf(err)
	payload.Error.Retryable = apperr.IsRetryable(err)
	if r != nil {
		payload.Error.RequestID = middleware.GetReqID(r.Context())
	}
	WriteJSON(w, status, payload)
}

// DecodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func DecodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return apperr.Validation("invalid JSON payload")
	}
	return nil
}

// SharedKey rejects requests whose header does not carry key.
func SharedKey(header, key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				WriteAPIError(w, r, http.StatusUnauthorized, string(apperr.KindAuthRequired), "invalid "+header)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
