package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/checkfox/go_broker/internal/models"
)

// ValidationError lists the fields that failed validation
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, rule := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, rule))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Validator checks request bodies and imported lead records
type Validator struct {
	validate *validator.Validate
}

// importedLead is the shape an imported customer must have to become a lead
type importedLead struct {
	ExternalID string `json:"externalId" validate:"required"`
	Email      string `json:"email" validate:"omitempty,email"`
	Phone      string `json:"phone" validate:"required_without=Email"`
	Country    string `json:"country" validate:"omitempty,len=2,alpha"`
}

// NewValidator creates a new Validator instance. Field names in errors use
// the json tag.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateStruct validates s against its `validate` tags
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate: %w", err)
	}

	result := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		result.Fields[fe.Field()] = rule
	}
	return result
}

// ValidateImportedLead checks that a projected customer carries an external
// ID and a way to contact the person
func (v *Validator) ValidateImportedLead(lead *models.Lead) error {
	return v.ValidateStruct(importedLead{
		ExternalID: lead.ExternalIDValue(),
		Email:      lead.Email,
		Phone:      lead.Phone,
		Country:    lead.Country,
	})
}
