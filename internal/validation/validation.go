package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/go-playground/validator/v10"

	"github.com/vultisig/phonevault/common"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// phone accepts any punctuation around 7 to 15 digits.
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		digits := common.NormalizePhone(fl.Field().String())
		return len(digits) >= 7 && len(digits) <= 15
	})

	_ = v.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
		_, err := solana.PublicKeyFromBase58(fl.Field().String())
		return err == nil
	})
	return v
}

// Struct checks the validate tags of s and reports the first failing field.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err
	}
	fe := fieldErrors[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "oneof":
		return fmt.Errorf("unsupported %s %q", fe.Field(), fe.Value())
	default:
		return fmt.Errorf("invalid %s %q", fe.Field(), fe.Value())
	}
}

// RequestValidator is the echo validator for request bodies.
type RequestValidator struct{}

func (RequestValidator) Validate(i interface{}) error {
	return Struct(i)
}
