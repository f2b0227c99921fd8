package items

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	_ = v.RegisterValidation("market", func(fl validator.FieldLevel) bool {
		return ValidMarketName(fl.Field().String())
	})
	return v
}

// Validate checks one item against its struct tags.
func Validate(item any) error {
	if err := validate.Struct(item); err != nil {
		return formatValidationErrors(err, "")
	}
	return nil
}

// ValidateBatch checks every element, reporting failures keyed by position.
func ValidateBatch[T any](batch []T) error {
	details := map[string]string{}
	for i := range batch {
		err := validate.Struct(&batch[i])
		if err == nil {
			continue
		}
		typed := formatValidationErrors(err, fmt.Sprintf("[%d].", i))
		if fields, ok := typed.Details().(map[string]string); ok {
			for k, v := range fields {
				details[k] = v
			}
			continue
		}
		return typed
	}
	if len(details) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}
	return nil
}

// SharedMarket returns the market every store of the batch belongs to. A
// batch spanning markets is rejected before anything is written.
func SharedMarket(stores []StoreItem) (string, error) {
	if len(stores) == 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "store batch is empty")
	}
	market := stores[0].Market
	for i, s := range stores[1:] {
		if s.Market != market {
			return "", pkgerrors.New(pkgerrors.CodeValidation, "stores of one batch must share a market").
				WithDetails(map[string]string{
					fmt.Sprintf("[%d].market", i+1): fmt.Sprintf("is %q, expected %q", s.Market, market),
				})
		}
	}
	return market, nil
}

func formatValidationErrors(err error, prefix string) *pkgerrors.Error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[prefix+fieldPath(fieldErr)] = validationMessage(fieldErr)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
}

// fieldPath drops the struct name from the namespace, so
// "StoreItem.geo_point.city" becomes "geo_point.city".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "market":
		return "must be a non-empty name without '.' or '$'"
	case "latitude", "longitude":
		return "must be a valid " + fe.Tag()
	}
	return "is invalid"
}
