package spo

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their command-line flag name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("flag"); name != "" {
			return name
		}
		return f.Name
	})
	if err := v.RegisterValidation("absurl", func(fl validator.FieldLevel) bool {
		return IsAbsoluteHTTPURL(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// IsAbsoluteHTTPURL reports whether s is an absolute http or https URL with a
// host.
func IsAbsoluteHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// ValidateKey checks the arguments of operations that address one storage
// entity.
func ValidateKey(appCatalogURL, key string) error {
	return validateInput(storageEntityKey{AppCatalogURL: appCatalogURL, Key: key})
}

// validateInput runs struct validation and converts failures into a
// KindValidation *Error naming every offending flag.
func validateInput(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &Error{Kind: KindValidation, Err: err}
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return &Error{Kind: KindValidation, Message: strings.Join(msgs, "; "), Err: err}
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("--%s is required", fe.Field())
	case "absurl":
		return fmt.Sprintf("--%s %q is not an absolute http(s) URL", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("--%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}
