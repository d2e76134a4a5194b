package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/batch"
	"github.com/example/fraud-review/api-go/internal/model"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case model.IsValidation(err), model.IsOutOfRange(err):
		return http.StatusBadRequest
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsNotReady(err):
		return http.StatusConflict
	case model.IsTransport(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	reqID := middleware.GetReqID(r.Context())
	if code >= http.StatusInternalServerError {
		s.Log.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, code, errorBody{
		Code:      model.Code(err),
		Message:   err.Error(),
		RequestID: reqID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
