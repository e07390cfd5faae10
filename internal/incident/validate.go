package incident

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateAlert checks an alert before any state is touched. Failures wrap ErrValidation.
func ValidateAlert(al *Alert) error {
	if al == nil {
		return fmt.Errorf("%w: alert is required", ErrValidation)
	}
	if err := validate.Struct(al); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if strings.TrimSpace(al.Message) == "" {
		return fmt.Errorf("%w: message is blank", ErrValidation)
	}
	return nil
}
