package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
	"github.com/AilvenLiu/cad-recognition/internal/usecases"
)

// responder holds the response helpers shared by all handlers
type responder struct {
	logger *zap.Logger
}

// respondJSON sends a JSON response
func (h responder) respondJSON(w http.ResponseWriter, status int, data interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// respondError sends an error response
func (h responder) respondError(w http.ResponseWriter, status int, message, requestID string) {
	h.respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	}, requestID)
}

// respondErr maps a usecase error to its status and sends it
func (h responder) respondErr(w http.ResponseWriter, err error, requestID string) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
	h.respondError(w, status, message, requestID)
}

// statusFor maps error classes to HTTP statuses
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrTemplate):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, domain.ErrTooManyStreams):
		return http.StatusServiceUnavailable, "too many concurrent streams"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "request timeout"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// validationError turns the first failed validator rule into a domain.ValidationError
func validationError(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		e := errs[0]
		return &domain.ValidationError{Index: -1, Field: e.Field(), Reason: fmt.Sprintf("fails %q", e.Tag())}
	}
	return &domain.ValidationError{Index: -1, Reason: err.Error()}
}

// parseStreamOptions reads chunk_size and pace from the query string
func parseStreamOptions(r *http.Request) (usecases.StreamOptions, error) {
	var opts usecases.StreamOptions
	q := r.URL.Query()

	if s := q.Get("chunk_size"); s != "" {
		size, err := strconv.Atoi(s)
		if err != nil {
			return opts, &domain.ValidationError{Index: -1, Field: "chunk_size", Reason: "must be an integer"}
		}
		// range checks happen when the emitter is configured
		opts.ChunkSize = &size
	}

	if s := q.Get("pace"); s != "" {
		pace, err := time.ParseDuration(s)
		if err != nil {
			return opts, &domain.ValidationError{Index: -1, Field: "pace", Reason: "must be a duration such as 10ms"}
		}
		opts.Pace = &pace
	}

	return opts, nil
}
