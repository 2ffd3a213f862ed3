package validator

import (
	"regexp"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

// Custom validation tags
const (
	TagNonBlank  = "nonblank"  // String contains at least one non-space character
	TagFieldName = "fieldname" // Metadata field name (letters, digits, _ . -)
	TagNoDotDot  = "nodotdot"  // Path without parent-directory segments
)

var fieldNameRegex = regexp.MustCompile(`^[\p{L}\p{N}_.\-]{1,64}$`)

func (v *Validator) registerCustomRules() error {
	rules := map[string]validator.Func{
		TagNonBlank:  validateNonBlank,
		TagFieldName: validateFieldName,
		TagNoDotDot:  validateNoDotDot,
	}
	for tag, fn := range rules {
		if err := v.validate.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func validateNonBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func validateFieldName(fl validator.FieldLevel) bool {
	return fieldNameRegex.MatchString(fl.Field().String())
}

func validateNoDotDot(fl validator.FieldLevel) bool {
	for _, seg := range strings.FieldsFunc(fl.Field().String(), func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return false
		}
	}
	return true
}

func (v *Validator) registerCustomTranslations() {
	messages := map[string]map[string]string{
		LangEN: {
			TagNonBlank:  "{0} must not be blank",
			TagFieldName: "{0} must be a valid metadata field name",
			TagNoDotDot:  "{0} must not contain '..' segments",
		},
		LangZH: {
			TagNonBlank:  "{0}不能为空白",
			TagFieldName: "{0}必须是有效的元数据字段名",
			TagNoDotDot:  "{0}不能包含'..'路径",
		},
	}
	for lang, translations := range messages {
		trans := v.GetTranslator(lang)
		if trans == nil {
			continue
		}
		for tag, message := range translations {
			registerTranslation(v.validate, trans, tag, message)
		}
	}
}

func registerTranslation(validate *validator.Validate, trans ut.Translator, tag, message string) {
	_ = validate.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error {
			return ut.Add(tag, message, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field())
			return t
		},
	)
}
