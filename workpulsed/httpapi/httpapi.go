package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/workpulse/workpulse/workpulsesdk"
)

var validate *validator.Validate

// A single validator instance is used because it caches struct parsing.
func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Write outputs a standardized JSON response body.
func Write(_ context.Context, rw http.ResponseWriter, status int, response any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}

// Read decodes JSON from the request body into value and validates it,
// writing a 400 with per-field validation errors on failure. Returns false
// when the caller should stop processing.
func Read(ctx context.Context, rw http.ResponseWriter, r *http.Request, value any) bool {
	if err := json.NewDecoder(r.Body).Decode(value); err != nil {
		Write(ctx, rw, http.StatusBadRequest, workpulsesdk.Response{
			Message: "Request body must be valid JSON.",
			Detail:  err.Error(),
		})
		return false
	}
	if err := validate.StructCtx(ctx, value); err != nil {
		var invalid validator.ValidationErrors
		if ok := errors.As(err, &invalid); ok {
			apiErrors := make([]workpulsesdk.ValidationError, 0, len(invalid))
			for _, fieldErr := range invalid {
				apiErrors = append(apiErrors, workpulsesdk.ValidationError{
					Field:  fieldErr.Field(),
					Detail: "Invalid value.",
				})
			}
			Write(ctx, rw, http.StatusBadRequest, workpulsesdk.Response{
				Message:     "Validation failed.",
				Validations: apiErrors,
			})
			return false
		}
		Write(ctx, rw, http.StatusInternalServerError, workpulsesdk.Response{
			Message: "Internal error validating request.",
			Detail:  err.Error(),
		})
		return false
	}
	return true
}

// InternalServerError writes the generic 500 envelope.
func InternalServerError(ctx context.Context, rw http.ResponseWriter, err error) {
	var detail string
	if err != nil {
		detail = err.Error()
	}
	Write(ctx, rw, http.StatusInternalServerError, workpulsesdk.Response{
		Message: "An internal server error occurred.",
		Detail:  detail,
	})
}

// Forbidden writes the generic 403 envelope.
func Forbidden(ctx context.Context, rw http.ResponseWriter) {
	Write(ctx, rw, http.StatusForbidden, workpulsesdk.Response{
		Message: "Forbidden.",
	})
}
