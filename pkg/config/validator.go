package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	changeSetNamePattern = regexp.MustCompile(`^[a-zA-Z][-a-zA-Z0-9]*$`)
	regionPattern        = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d$`)
	sshGitPattern        = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+:[a-zA-Z0-9._/~-]+$`)
)

// ValidationError is a configuration value that is not acceptable
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("change_set_name", func(fl validator.FieldLevel) bool {
			return changeSetNamePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("region", func(fl validator.FieldLevel) bool {
			return regionPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("arn", func(fl validator.FieldLevel) bool {
			parts := strings.SplitN(fl.Field().String(), ":", 6)
			return len(parts) == 6 && parts[0] == "arn" && parts[1] != "" && parts[2] != ""
		})

		_ = v.RegisterValidation("git_url", func(fl validator.FieldLevel) bool {
			raw := fl.Field().String()
			if strings.TrimSpace(raw) == "" {
				return false
			}
			if u, err := url.Parse(raw); err == nil {
				scheme := strings.ToLower(u.Scheme)
				if (scheme == "http" || scheme == "https" || scheme == "ssh") && u.Host != "" {
					return true
				}
			}
			return sshGitPattern.MatchString(raw)
		})

		validateInst = v
	})
	return validateInst
}

// Validate checks every field of cfg
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Message: "configuration is nil"}
	}

	if err := validatorInstance().Struct(cfg); err != nil {
		return convertValidationError(err)
	}

	for stack, params := range cfg.Parameters {
		for key := range params {
			if key == "" {
				return &ValidationError{Field: "parameters." + stack, Message: fmt.Sprintf("empty parameter name for stack %q", stack)}
			}
		}
	}
	return nil
}

func convertValidationError(err error) error {
	if ves, ok := err.(validator.ValidationErrors); ok {
		fe := ves[0]
		field := yamlishFieldName(fe)
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s failed validation for tag '%s'", field, fe.Tag()),
			Err:     err,
		}
	}
	return &ValidationError{Field: "config", Message: err.Error(), Err: err}
}

// yamlishFieldName turns Config.RoleARN into roleARN
func yamlishFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		if part != "" {
			parts[i] = strings.ToLower(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, ".")
}
