package app

import (
	"errors"
	"fmt"
	"net/http"

	"messenger/api/internal/chat"
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
	if errors.Is(err, chat.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Thread not found", nil
	}
	if errors.Is(err, chat.ErrInvalidTransition) {
		return http.StatusConflict, "INVALID_STATE", "Operation not allowed in the thread's current state", nil
	}
	if errors.Is(err, chat.ErrValidation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid thread record", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
