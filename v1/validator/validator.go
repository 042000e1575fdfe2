// Package validator checks service inputs with go-playground/validator and
// turns failures into field-level solves errors.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Instance returns the shared validator with the solves tags registered.
// Field names are reported by their json tag.
func Instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("password", Password)
		_ = validate.RegisterValidation("currency", Currency)
	})
	return validate
}

// Struct validates v. The returned error is a *solveserrors.Error of kind
// ErrInvalid naming the first failing field; Fields lists all of them.
func Struct(v any) error {
	err := Instance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validation error: %w", err)
	}
	first := verrs[0]
	return &solveserrors.Error{
		Kind:    solveserrors.ErrInvalid,
		Field:   first.Field(),
		Message: message(first),
		Cause:   verrs,
	}
}

// Fields returns a message per failing field of an error produced by Struct.
// Other invalid errors yield their single field.
func Fields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			if _, ok := out[fe.Field()]; !ok {
				out[fe.Field()] = message(fe)
			}
		}
		return out
	}
	var e *solveserrors.Error
	if errors.As(err, &e) && e.Field != "" {
		return map[string]string{e.Field: e.Message}
	}
	return nil
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "password":
		return "must be 8 to 128 characters and contain letters and digits"
	case "currency":
		return "must be a three letter ISO 4217 code"
	case "url", "http_url":
		return "must be a valid URL"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	default:
		return "failed on " + fe.Tag()
	}
}

// Password reports whether the field is 8..128 characters long and mixes
// letters with digits.
func Password(fl validator.FieldLevel) bool {
	return PasswordOK(fl.Field().String())
}

// PasswordOK is the plain form of the password rule.
func PasswordOK(s string) bool {
	if n := len([]rune(s)); n < 8 || n > 128 {
		return false
	}
	var letter, digit bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			letter = true
		}
	}
	return letter && digit
}

// Currency accepts three upper case ASCII letters.
func Currency(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
