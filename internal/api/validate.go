package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/healthfirst/availability-scheduling/internal/availability"
)

// ValidationErrors is returned by RequestValidator.Validate when a request
// struct fails its tags. Each entry names the JSON field.
type ValidationErrors []FieldIssue

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	messages := make([]string, 0, len(v))
	for _, issue := range v {
		messages = append(messages, issue.Field+": "+issue.Message)
	}
	return fmt.Sprintf("validation failed: %d error(s): [%s]", len(v), strings.Join(messages, "; "))
}

type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() (*RequestValidator, error) {
	v := validator.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	if err := v.RegisterValidation("hhmm", validateHHMM); err != nil {
		return nil, fmt.Errorf("register hhmm validation: %w", err)
	}

	return &RequestValidator{validate: v}, nil
}

// validateHHMM accepts a 24-hour wall-clock time written as HH:mm.
func validateHHMM(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if len(raw) != 5 {
		return false
	}
	_, err := availability.ParseClock(raw)
	return err == nil
}

func (v *RequestValidator) Validate(req any) error {
	if err := v.validate.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return translateValidationErrors(validationErrs)
		}
		return err
	}
	return nil
}

func translateValidationErrors(errs validator.ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, 0, len(errs))

	for _, fe := range errs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}

		var message string
		switch fe.Tag() {
		case "required", "required_if":
			message = "is required"
		case "required_unless":
			message = "is required for physical locations"
		case "hhmm":
			message = "must be a time in HH:mm format"
		case "datetime":
			message = "must be a date in YYYY-MM-DD format"
		case "timezone":
			message = "must be an IANA timezone name"
		case "oneof":
			message = "must be one of: " + fe.Param()
		case "min", "gte":
			message = "must be at least " + fe.Param()
		case "max":
			message = "must be at most " + fe.Param()
		case "uuid":
			message = "must be a valid UUID"
		case "boolean":
			message = "must be true or false"
		case "numeric", "number":
			message = "must be a number"
		case "len":
			message = "must have length " + fe.Param()
		default:
			message = fmt.Sprintf("failed %q validation", fe.Tag())
		}

		out = append(out, FieldIssue{Field: field, Message: message})
	}
	return out
}
