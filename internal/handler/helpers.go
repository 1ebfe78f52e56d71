package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

const maxBodyBytes = 1 << 20

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func list[T any](items []T) domain.ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return domain.ListResponse[T]{Data: items, Total: len(items)}
}

// decodeBody checks the body against schema and decodes it into dst. An
// empty body is accepted only when optional is set.
func decodeBody(r *http.Request, schema *jsonschema.Schema, name string, dst any, optional bool) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return &domain.ErrMalformedInput{Schema: name, Err: err}
	}
	if len(raw) > maxBodyBytes {
		return &domain.ErrMalformedInput{Schema: name, Err: fmt.Errorf("body exceeds %d bytes", maxBodyBytes)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if optional {
			return nil
		}
		return &domain.ErrMalformedInput{Schema: name, Err: errors.New("body is required")}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &domain.ErrMalformedInput{Schema: name, Err: err}
	}
	if t, _ := dec.Token(); t != nil {
		return &domain.ErrMalformedInput{Schema: name, Err: fmt.Errorf("invalid character %v after top-level value", t)}
	}
	if err := schema.Validate(doc); err != nil {
		return &domain.ErrMalformedInput{Schema: name, Err: err}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &domain.ErrMalformedInput{Schema: name, Err: err}
	}
	return nil
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService
	var timeout *domain.ErrTimeout
	var validationTimeout *domain.ErrValidationTimeout
	var validation *domain.ErrValidation
	var malformed *domain.ErrMalformedInput
	var dataQuality *domain.ErrDataQuality
	var coverage *domain.ErrInsufficientTestCoverage
	var unauthorized *domain.ErrUnauthorized
	var conflict *domain.ErrConflict
	var transition *domain.ErrInvalidTransition

	switch {
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &timeout), errors.As(err, &validationTimeout):
		logger.Error("request timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &external):
		logger.Error("external service error", zap.String("service", external.Service), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &validation), errors.As(err, &malformed):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dataQuality), errors.As(err, &coverage):
		logger.Warn("unprocessable input", zap.String("error", err.Error()))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &conflict), errors.As(err, &transition):
		logger.Debug("conflict", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
