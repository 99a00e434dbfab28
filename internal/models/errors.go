package models

import (
	"errors"
	"fmt"
)

// NotFoundError is returned by repositories when a row does not exist
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(entity string, key interface{}) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		Key:    fmt.Sprint(key),
	}
}

// IsNotFound reports whether err (or anything it wraps) is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TemplateError represents an error that occurred while rendering or parsing a broker template
type TemplateError struct {
	Stage   string // e.g., "body", "headers", "pull_body"
	Message string
	Err     error
}

func (e *TemplateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("template error in %s: %s (caused by: %v)", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("template error in %s: %s", e.Stage, e.Message)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// NewTemplateError creates a new TemplateError
func NewTemplateError(stage, message string, err error) *TemplateError {
	return &TemplateError{
		Stage:   stage,
		Message: message,
		Err:     err,
	}
}

// DeliveryError represents an error that occurred while talking to a broker endpoint
type DeliveryError struct {
	StatusCode int
	Message    string
	Temporary  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}

	if e.StatusCode > 0 {
		if e.Err != nil {
			return fmt.Sprintf("delivery error (%s): HTTP %d - %s (caused by: %v)",
				kind, e.StatusCode, e.Message, e.Err)
		}
		return fmt.Sprintf("delivery error (%s): HTTP %d - %s",
			kind, e.StatusCode, e.Message)
	}

	if e.Err != nil {
		return fmt.Sprintf("delivery error (%s): %s (caused by: %v)",
			kind, e.Message, e.Err)
	}
	return fmt.Sprintf("delivery error (%s): %s", kind, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError creates a new DeliveryError
func NewDeliveryError(statusCode int, message string, temporary bool, err error) *DeliveryError {
	return &DeliveryError{
		StatusCode: statusCode,
		Message:    message,
		Temporary:  temporary,
		Err:        err,
	}
}
