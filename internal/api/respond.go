package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	reqID := middleware.GetReqID(r.Context())
	zap.L().Debug("api: error response",
		zap.Int("status", status),
		zap.String("message", message),
		zap.String("path", r.URL.Path),
		zap.String("request_id", reqID),
	)
	respondJSON(w, status, ErrorResponse{Error: message, RequestID: reqID})
}

// respondErrorLog logs err in full and sends only message to the client.
func respondErrorLog(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: "+message, fields...)
	} else {
		zap.L().Warn("api: "+message, fields...)
	}
	respondError(w, r, status, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}
