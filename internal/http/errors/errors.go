package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// InternalError logs err with the request id and returns a 500 whose body carries message only.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logger(r).Error().Err(err).Msg(message)
	WriteError(w, http.StatusInternalServerError, message)
}

// BadRequest logs err at warn level and returns clientMessage as a 400.
func BadRequest(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logger(r).Warn().Err(err).Msg("bad request")
	WriteError(w, http.StatusBadRequest, clientMessage)
}

func LogError(r *http.Request, message string, err error) {
	logger(r).Error().Err(err).Msg(message)
}

func LogInfo(r *http.Request, message string) {
	logger(r).Info().Msg(message)
}

func logger(r *http.Request) *zerolog.Logger {
	l := hlog.FromRequest(r)
	if id := middleware.GetReqID(r.Context()); id != "" {
		child := l.With().Str("request_id", id).Logger()
		return &child
	}
	return l
}
