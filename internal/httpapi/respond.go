package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"qazna.org/authd/internal/audit"
	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/obs"
)

const defaultMaxBody = 1 << 20

type successEnvelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any, message string) {
	writeJSON(w, code, successEnvelope{Success: true, Data: data, Message: message})
}

// writeError renders err as an error envelope. Typed errors expose their kind
// code, message and fields; anything else becomes a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var typed *auth.Error
	if !errors.As(err, &typed) || typed.Kind == auth.KindInternal || typed.Kind == auth.KindSigningUnavailable {
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		kind := auth.KindInternal
		if typed != nil {
			kind = typed.Kind
		}
		writeKind(w, r, kind, "internal server error", nil)
		return
	}
	writeKind(w, r, typed.Kind, typed.Message, typed.Fields)
}

func writeKind(w http.ResponseWriter, r *http.Request, kind auth.Kind, message string, details map[string]any) {
	writeJSON(w, kind.HTTPStatus(), errorEnvelope{
		Success:   false,
		Error:     kind.Code(),
		Message:   message,
		Details:   details,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

func validationError(msg string, fields map[string]any) error {
	return auth.NewError(auth.KindValidation, msg, fields)
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return validationError("request body is required", nil)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return validationError("content type must be application/json", nil)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, defaultMaxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return validationError("request body is required", nil)
		case errors.As(err, &maxErr):
			return validationError("request body too large", nil)
		default:
			return validationError(fmt.Sprintf("invalid JSON: %v", err), nil)
		}
	}
	if dec.More() {
		return validationError("request body must contain a single JSON object", nil)
	}
	return nil
}

func clientMetadata(r *http.Request) auth.ClientMetadata {
	return auth.ClientMetadata{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
