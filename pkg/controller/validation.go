package controller

import (
	"errors"
	"reflect"
	"strings"

	"github.com/nimburion/places/pkg/apperr"
)

// Validator is implemented by forms with custom validation.
type Validator interface {
	Validate() error
}

// ValidateDTO checks `validate:"required"` tags, then calls Validate when the
// form implements Validator. Failures are 422 AppErrors listing the fields.
func ValidateDTO(dto any) error {
	if dto == nil {
		return apperr.Validation("request body is required", nil, nil)
	}
	v := reflect.ValueOf(dto)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return apperr.Validation("request body is required", nil, nil)
		}
		v = v.Elem()
	}

	if v.Kind() == reflect.Struct {
		if missing := missingRequired(v); len(missing) > 0 {
			return apperr.Validation("missing required fields: "+strings.Join(missing, ", "),
				map[string]any{"missing": missing}, nil)
		}
	}

	if validator, ok := dto.(Validator); ok {
		if err := validator.Validate(); err != nil {
			var appErr *apperr.AppError
			if errors.As(err, &appErr) {
				return err
			}
			return apperr.Validation(err.Error(), nil, err)
		}
	}
	return nil
}

func missingRequired(v reflect.Value) []string {
	t := v.Type()
	var missing []string
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || !strings.Contains(field.Tag.Get("validate"), "required") {
			continue
		}
		if v.Field(i).IsZero() {
			missing = append(missing, jsonName(field))
		}
	}
	return missing
}

func jsonName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}
