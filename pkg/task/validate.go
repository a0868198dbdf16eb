package task

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var pathSafe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Account and entity ids become directory names.
	_ = v.RegisterValidation("pathsafe", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return pathSafe.MatchString(s) && s != "." && s != ".."
	})
	return v
}

// Validate checks a task variant before any work starts.
func Validate(p Parameters) error {
	if p == nil {
		return NewInvalidParametersError("task parameters are required", nil)
	}
	if err := validate.Struct(p); err != nil {
		return NewInvalidParametersError("invalid task parameters", flattenValidation(err))
	}

	base := p.Common()
	if strings.Contains(base.RunConfiguration.Path, "..") {
		return NewInvalidParametersError("run path must stay inside the config files", nil)
	}

	switch v := p.(type) {
	case *PlanParameters:
		if base.PlanSecretManager == nil && base.IsModule() {
			return NewInvalidParametersError("plan secret manager is required to store a module plan", nil)
		}
	case *ApplyParameters, *DestroyParameters:
		if base.EncryptedPlan != nil && base.PlanSecretManager == nil {
			return NewInvalidParametersError(fmt.Sprintf("%s task has an encrypted plan but no plan secret manager", v.Kind()), nil)
		}
	}
	return nil
}

func flattenValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, ", "))
}
