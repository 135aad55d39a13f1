package session

import (
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Session names double as directory names and socket path components.
var nameRule = []validation.Rule{
	validation.Required,
	validation.Length(1, 64),
	validation.Match(regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)).
		Error("must be lowercase letters, digits, '-' or '_', starting with a letter or digit"),
}

func ValidateName(name string) error {
	if err := validation.Validate(name, nameRule...); err != nil {
		return fmt.Errorf("invalid session name %q: %w", name, err)
	}
	return nil
}
