package http

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/MacMoment/licensing/internal/errors"
)

// RequestBinder decodes JSON bodies and checks their validate tags
type RequestBinder struct {
	validate *validator.Validate
}

// NewRequestBinder creates a binder whose errors name fields by their JSON tag
func NewRequestBinder() *RequestBinder {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestBinder{validate: v}
}

// Bind decodes the body into dst, runs its render.Binder hook and validates it
func (b *RequestBinder) Bind(r *http.Request, dst render.Binder) error {
	if err := render.Bind(r, dst); err != nil {
		return apperrors.InvalidRequestWithError(err)
	}
	return b.Struct(dst)
}

// Struct validates v and converts field failures to an API error
func (b *RequestBinder) Struct(v interface{}) error {
	err := b.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.InvalidRequestWithError(err)
	}

	out := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
		})
	}
	return apperrors.NewValidationErrors(out)
}

func fieldMessage(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// queryLimit parses ?limit. A missing value returns 0 so the service applies
// its default.
func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.ErrInvalidParameter("limit", "must be a non-negative integer")
	}
	return n, nil
}
