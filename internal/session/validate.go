package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrReservedName is returned for names that collide with files kept next
// to the profiles directory.
var ErrReservedName = errors.New("reserved profile name")

var profileName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

var reserved = map[string]bool{
	"config":   true,
	"profiles": true,
}

// ValidateName checks a profile name. Names are lowercase, at most 32
// characters, and never start with a hyphen so they cannot be read as flags.
func ValidateName(name string) error {
	if reserved[name] {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	if !profileName.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use 1-32 of [a-z0-9_-], starting with a letter or digit", name)
	}
	return nil
}
