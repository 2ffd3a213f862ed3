// Package validator wraps go-playground/validator with custom rules and
// en/zh message translation. The same rules are installed on gin's binding
// engine so request structs can use them in `binding` tags.
package validator

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
)

// Supported languages.
const (
	LangEN = "en"
	LangZH = "zh"
)

// Validator holds a validate engine and its translators.
type Validator struct {
	validate *validator.Validate
	uni      *ut.UniversalTranslator
}

var (
	ginOnce sync.Once
	ginVal  *Validator
	ginErr  error
)

// New creates a standalone Validator.
func New() *Validator {
	v, _ := wrap(validator.New(validator.WithRequiredStructEnabled()))
	return v
}

// Gin installs the custom rules and translations on gin's binding engine
// and returns a Validator around it. Safe to call repeatedly.
func Gin() (*Validator, error) {
	ginOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			ginErr = errors.New("gin binding engine is not go-playground/validator")
			return
		}
		ginVal, ginErr = wrap(engine)
	})
	return ginVal, ginErr
}

func wrap(validate *validator.Validate) (*Validator, error) {
	// 错误信息使用 json 字段名
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	enLocale := en.New()
	v := &Validator{
		validate: validate,
		uni:      ut.New(enLocale, enLocale, zh.New()),
	}
	if err := v.registerCustomRules(); err != nil {
		return nil, err
	}

	enTrans, _ := v.uni.GetTranslator(LangEN)
	if err := en_translations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		return nil, err
	}
	zhTrans, _ := v.uni.GetTranslator(LangZH)
	if err := zh_translations.RegisterDefaultTranslations(validate, zhTrans); err != nil {
		return nil, err
	}
	v.registerCustomTranslations()
	return v, nil
}

// Engine returns the underlying validate instance.
func (v *Validator) Engine() *validator.Validate {
	return v.validate
}

// GetTranslator returns the translator for lang, or nil if unsupported.
func (v *Validator) GetTranslator(lang string) ut.Translator {
	trans, found := v.uni.GetTranslator(lang)
	if !found {
		return nil
	}
	return trans
}

// Struct validates s.
func (v *Validator) Struct(s any) error {
	return v.validate.Struct(s)
}

// Var validates a single value against tag.
func (v *Validator) Var(field any, tag string) error {
	return v.validate.Var(field, tag)
}

// Translate renders validation errors in lang (English fallback), sorted by
// field. Non-validation errors are returned as their message.
func (v *Validator) Translate(err error, lang string) []string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	trans := v.GetTranslator(lang)
	if trans == nil {
		trans = v.GetTranslator(LangEN)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(trans))
	}
	sort.Strings(msgs)
	return msgs
}
