package session

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// InvalidNameError reports a session name that cannot be used as a directory
// and lock identity.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid session name %q: must match %s", e.Name, nameRegexp.String())
}

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return &InvalidNameError{Name: name}
	}
	return nil
}
