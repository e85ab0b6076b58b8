package validator

import (
	"errors"
	"strings"
)

// ValidEmail is a syntax-only check. Deliverability is the Sink's problem;
// a permanently rejected address surfaces later as a fatal outcome.
func ValidEmail(email string) error {
	if email == "" {
		return errors.New("email is empty")
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.New("invalid email format")
	}
	if !strings.Contains(parts[1], ".") || strings.ContainsAny(email, " \t\n") {
		return errors.New("invalid email format")
	}
	return nil
}
