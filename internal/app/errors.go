package app

import (
	"errors"
	"fmt"
	"net/http"

	"docengine/api/internal/auth"
	"docengine/api/internal/docs"
	"docengine/api/internal/history"
	"docengine/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, docs.ErrInvalidDocument):
		return http.StatusUnprocessableEntity, "INVALID_DOCUMENT", docs.ErrInvalidDocument.Error(), nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Document was modified concurrently", nil
	case errors.Is(err, history.ErrNoHistory):
		return http.StatusNotFound, "NOT_FOUND", "No history for document", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
