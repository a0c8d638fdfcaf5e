package flow

import (
	"fmt"
	"net/http"
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

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func errArtifactsUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "ARTIFACTS_UNAVAILABLE", "Artifact storage not configured", nil)
}

func errIdentifierExhausted() *DomainError {
	return domainError(http.StatusConflict, "IDENTIFIER_EXHAUSTED", "Could not allocate a unique document id", nil)
}
