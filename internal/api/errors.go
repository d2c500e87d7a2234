package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/balancetracker/balance-service/internal/app"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
}

// errorWriter maps service errors onto HTTP responses.
type errorWriter struct {
	logger *zap.Logger
}

// Respond writes the response for err. Unclassified errors are logged and
// reported as a generic 500.
func (e *errorWriter) Respond(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, app.Message(err, "Invalid input"))
	case errors.Is(err, app.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, app.Message(err, "Not authenticated"))
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, app.Message(err, "Forbidden"))
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, app.Message(err, "Not found"))
	default:
		e.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message}})
}

// writeJSON is a helper function to write JSON responses. The body is
// encoded before the status goes out so an unencodable value becomes a 500.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorBody{Error: errorDetail{Message: "Internal server error"}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
