package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/CrowderSoup/taskboard/database"
)

// DomainError is the error shape every service entry point returns.
// Handlers render Status, Code, Message and Details as is.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details map[string]string

	cause error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so callers can test against the Err* kinds.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == e.Code
}

func (e *DomainError) Unwrap() error { return e.cause }

// Error kinds, matched with errors.Is.
var (
	ErrValidation  = &DomainError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: "validation failed"}
	ErrNotFound    = &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "not found"}
	ErrForbidden   = &DomainError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "you are not a member of this board"}
	ErrConflict    = &DomainError{Status: http.StatusConflict, Code: "CONFLICT", Message: "the board changed concurrently, try again"}
	ErrUnavailable = &DomainError{Status: http.StatusInternalServerError, Code: "STORAGE_UNAVAILABLE", Message: "storage is unavailable"}
)

func validationError(details map[string]string) *DomainError {
	return &DomainError{
		Status:  ErrValidation.Status,
		Code:    ErrValidation.Code,
		Message: ErrValidation.Message,
		Details: details,
	}
}

func invalidField(field, message string) *DomainError {
	return validationError(map[string]string{field: message})
}

func notFound(kind string) *DomainError {
	return &DomainError{Status: ErrNotFound.Status, Code: ErrNotFound.Code, Message: kind + " not found"}
}

func forbidden() *DomainError {
	return &DomainError{Status: ErrForbidden.Status, Code: ErrForbidden.Code, Message: ErrForbidden.Message}
}

// duplicate reports a unique value already held by another entity. It is a
// validation failure on field, never retried.
func duplicate(field string, cause error) *DomainError {
	de := invalidField(field, "is already in use")
	de.cause = cause
	return de
}

func conflict(cause error) *DomainError {
	return &DomainError{Status: ErrConflict.Status, Code: ErrConflict.Code, Message: ErrConflict.Message, cause: cause}
}

func unavailable(cause error) *DomainError {
	return &DomainError{Status: ErrUnavailable.Status, Code: ErrUnavailable.Code, Message: ErrUnavailable.Message, cause: cause}
}

// storeError translates a repository error. kind names the entity for a
// not-found message.
func storeError(err error, kind string) error {
	if err == nil {
		return nil
	}
	var de *DomainError
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, database.ErrNotFound):
		return notFound(kind)
	case errors.Is(err, database.ErrConflict):
		return conflict(err)
	case errors.Is(err, database.ErrDuplicate):
		return duplicate(kind, err)
	default:
		return unavailable(err)
	}
}
