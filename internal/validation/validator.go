// Package validation validates API request bodies with go-playground
// validator tags and reports field errors by their JSON names.
//
//	type createRental struct {
//	    NodeID         string          `json:"node_id" validate:"required,max=64"`
//	    Image          string          `json:"image" validate:"required,image_ref"`
//	    EstimatedHours decimal.Decimal `json:"estimated_hours" validate:"decimal_gt0"`
//	}
//
// Validator implements echo.Validator, so handlers call c.Validate(&req).
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// imageRef matches repository[:tag][@digest] image references.
var imageRef = regexp.MustCompile(`^[a-z0-9]+(?:[._/-][a-z0-9]+)*(?::[0-9]+)?(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*(?::[\w][\w.-]{0,127})?(?:@sha256:[a-f0-9]{64})?$`)

// Validator checks struct tags.
type Validator struct {
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the JSON name of the field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult is the outcome of validating one value.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error implements error for failed results.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Fields returns the errors keyed by field.
func (r *ValidationResult) Fields() map[string]string {
	out := make(map[string]string, len(r.Errors))
	for _, e := range r.Errors {
		out[e.Field] = e.Message
	}
	return out
}

// New creates a Validator with the fleetrent custom rules registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// decimals are validated through their string form
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("image_ref", func(fl validator.FieldLevel) bool {
		return imageRef.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("decimal_gt0", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})

	return &Validator{structValidator: v}
}

// Check validates i and returns every field error.
func (v *Validator) Check(i interface{}) (*ValidationResult, error) {
	err := v.structValidator.Struct(i)
	if err == nil {
		return &ValidationResult{Valid: true}, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, fmt.Errorf("failed to validate: %w", err)
	}

	result := &ValidationResult{Valid: false}
	for _, fe := range verrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath(fe),
			Message: message(fe),
			Value:   fe.Value(),
		})
	}
	return result, nil
}

// Validate implements echo.Validator. It returns a *ValidationResult when
// the value is invalid.
func (v *Validator) Validate(i interface{}) error {
	result, err := v.Check(i)
	if err != nil {
		return err
	}
	if !result.Valid {
		return result
	}
	return nil
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "image_ref":
		return "must be a container image reference"
	case "decimal_gt0":
		return "must be a positive number"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
