package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/azisaba/commander/auth"
)

// maxBodySize bounds every JSON request body.
const maxBodySize = 64 << 10

// Machine-readable error tags returned in ErrorResponse.Error.
const (
	tagInvalidParams      = "invalid_params"
	tagInvalidCredentials = "invalid_username_or_password"
	tagIncompleteUser     = "incomplete_user"
	tagTimedOut           = "timed_out"
	tagNotAuthorized      = "not_authorized"
	tagForbidden          = "forbidden"
	tagInvalid2FAToken    = "invalid_2fa_token"
	tagAlreadyAuthorized  = "already_authorized"
	tagTooManyAttempts    = "too_many_attempts"
	tagTooManyRequests    = "too_many_requests"
	tagUsernameTaken      = "username_taken"
	tagNotFound           = "not_found"
	tagInternal           = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, tag string) {
	writeJSON(w, status, ErrorResponse{Error: tag})
}

// decodeJSON reads a JSON object of type T from the request body. On failure
// it writes 400 invalid_params and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var zero T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	// A top-level null leaves the pointer nil.
	var v *T
	if err := dec.Decode(&v); err != nil || v == nil || dec.More() {
		writeError(w, http.StatusBadRequest, tagInvalidParams)
		return zero, false
	}
	return *v, true
}

// mapError writes the status and tag for err. Unknown errors are logged and
// reported as 500 without details.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, tagInvalidParams)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, tagInvalidCredentials)
	case errors.Is(err, auth.ErrIncompleteAccount):
		writeError(w, http.StatusBadRequest, tagIncompleteUser)
	case errors.Is(err, auth.ErrTimeout):
		writeError(w, http.StatusRequestTimeout, tagTimedOut)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, tagNotAuthorized)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, tagForbidden)
	case errors.Is(err, auth.ErrInvalidSecondFactor):
		writeError(w, http.StatusBadRequest, tagInvalid2FAToken)
	case errors.Is(err, auth.ErrAlreadyAuthorized):
		writeError(w, http.StatusBadRequest, tagAlreadyAuthorized)
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, tagTooManyAttempts)
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, http.StatusConflict, tagUsernameTaken)
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, tagNotFound)
	default:
		a.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, tagInternal)
	}
}
