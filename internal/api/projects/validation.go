package projects

import (
	"errors"
	"strconv"
	"strings"
)

// ValidateName checks a project name before normalization.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > 100 {
		return errors.New("name must be 100 characters or less")
	}
	return nil
}

// ValidateDescription checks a project description.
func ValidateDescription(description string) error {
	if len(description) > 2000 {
		return errors.New("description must be 2000 characters or less")
	}
	return nil
}

// ParseIfMatch parses an If-Match header carrying a tree version. An empty
// header means an unconditional write. ETag quoting is accepted.
func ParseIfMatch(header string) (*int64, error) {
	header = strings.TrimSpace(header)
	if header == "" || header == "*" {
		return nil, nil
	}
	header = strings.TrimPrefix(header, "W/")
	header = strings.Trim(header, `"`)
	v, err := strconv.ParseInt(header, 10, 64)
	if err != nil || v < 0 {
		return nil, errors.New("If-Match must be a tree version")
	}
	return &v, nil
}
