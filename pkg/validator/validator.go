package validator

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Common Regex Patterns
var (
	slugRegex  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	phoneRegex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`) // E.164 standard roughly
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Register Custom Validations
	_ = v.RegisterValidation("slug", validateSlug)
	_ = v.RegisterValidation("password_strong", validatePasswordStrong)
	_ = v.RegisterValidation("phone_e164", validatePhone)

	return &Validator{
		validate: v,
	}
}

// ValidateStruct validates a struct using tags
func (v *Validator) ValidateStruct(s interface{}) error {
	return v.validate.Struct(s)
}

// ValidateVar validates a single variable against a tag
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	return v.validate.Var(field, tag)
}

// Custom Validation Functions

func validateSlug(fl validator.FieldLevel) bool {
	return slugRegex.MatchString(fl.Field().String())
}

func validatePhone(fl validator.FieldLevel) bool {
	return phoneRegex.MatchString(fl.Field().String())
}

func validatePasswordStrong(fl validator.FieldLevel) bool {
	password := fl.Field().String()
	// Length 8+
	if len(password) < 8 {
		return false
	}
	// Needs at least one upper-case letter, lower-case letter, digit and special character
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSpecial
}

// decodeFully repeatedly percent-decodes s until it stops changing or a
// decode error occurs, so %252e%252e collapses the same as %2e%2e.
func decodeFully(s string) string {
	for i := 0; i < 5; i++ {
		decoded, err := url.QueryUnescape(s)
		if err != nil || decoded == s {
			return s
		}
		s = decoded
	}
	return s
}

// DetectPathTraversal reports whether s contains a ".." segment once
// backslashes and (possibly nested) percent-encoding are normalized.
func DetectPathTraversal(s string) bool {
	normalized := strings.ReplaceAll(decodeFully(s), "\\", "/")
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

// SanitizePath strips ".." and "." segments from s after normalizing
// separators and percent-encoding, returning a clean relative path.
func SanitizePath(s string) string {
	normalized := strings.ReplaceAll(decodeFully(s), "\\", "/")
	parts := strings.Split(normalized, "/")
	clean := make([]string, 0, len(parts))
	for _, segment := range parts {
		if segment == "" || segment == "." || segment == ".." {
			continue
		}
		clean = append(clean, segment)
	}
	return strings.Join(clean, "/")
}
