package controlapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// AuthMiddleware validates the Bearer token in the Authorization header
// against the expected admin token, exactly as internal/api's
// AuthMiddleware does. An empty adminToken disables the check and lets
// every request through.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if auth == "" || !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
			return
		}
		if auth[len(prefix):] != adminToken {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware caps the request body at maxBytes, reporting
// 413 on overflow rather than letting the handler's json.Decode fail with
// an unhelpful EOF.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writePayloadTooLargeIfNeeded(w http.ResponseWriter, err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		msg := "request body too large (max " + strconv.FormatInt(maxErr.Limit, 10) + " bytes)"
		WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
		return true
	}
	return false
}

// readBodyOrWriteInvalid reads the full request body, writing a 413 on
// overflow (RequestBodyLimitMiddleware's http.MaxBytesReader) or a 400 on
// any other read error.
func readBodyOrWriteInvalid(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "request body is required")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if writePayloadTooLargeIfNeeded(w, err) {
			return nil, false
		}
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "failed to read body")
		return nil, false
	}
	return body, true
}
