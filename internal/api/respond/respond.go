// Package respond writes the API's JSON envelopes: {"data":...} on success
// and {"error":{"code","message"}} on failure.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/models"
)

// Response is a standard API response wrapper.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := Response{Data: data}
	json.NewEncoder(w).Encode(resp)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)

	resp := Response{Error: err}
	json.NewEncoder(w).Encode(resp)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Accepted writes a 202 Accepted response.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Err maps err onto an API error and writes it. Errors outside the model
// taxonomy are logged and reported as internal errors.
func Err(w http.ResponseWriter, logger *zap.Logger, err error) {
	apiErr := FromError(err)
	if apiErr.Status == http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", zap.Error(err))
	}
	JSONError(w, apiErr)
}

// FromError translates the model error taxonomy to HTTP.
func FromError(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, models.ErrAuthorization):
		return &Error{Code: ErrCodeForbidden, Message: err.Error(), Status: http.StatusForbidden}
	case errors.Is(err, models.ErrValidation):
		return NewValidationError(err.Error())
	case errors.Is(err, models.ErrNotFound):
		return NewNotFound(err.Error())
	case errors.Is(err, models.ErrVersionConflict):
		return &Error{Code: ErrCodeVersionConflict, Message: err.Error(), Status: http.StatusConflict}
	case errors.Is(err, models.ErrConflict):
		return NewConflict(err.Error())
	default:
		return ErrInternalServer
	}
}
