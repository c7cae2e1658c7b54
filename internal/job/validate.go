package job

import (
	"errors"
	"fmt"
	"jobexec/internal/apperrors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return jobIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// errorMessages maps validation tags to client-facing messages.
var errorMessages = map[string]string{
	"required": "%s is required",
	"max":      "%s exceeds maximum of %s",
	"min":      "%s must be at least %s",
	"gte":      "%s must be greater than or equal to %s",
	"oneof":    "%s must be one of [%s]",
	"http_url": "%s must be an http or https URL",
	"base64":   "%s must be valid base64",
	"jobid":    "%s must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)",
}

// validateStruct runs tag validation and converts the first failure into an
// apperrors validation error keyed by the JSON field path.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.Validation("", err.Error())
	}

	fe := fieldErrs[0]
	field := fieldPath(fe.Namespace())
	return apperrors.Validation(field, parseMessage(field, fe))
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func parseMessage(field string, fe validator.FieldError) string {
	msg, ok := errorMessages[fe.Tag()]
	if !ok {
		return fmt.Sprintf("%s is invalid: %s", field, fe.Tag())
	}
	if strings.Count(msg, "%s") == 2 {
		return fmt.Sprintf(msg, field, fe.Param())
	}
	return fmt.Sprintf(msg, field)
}
