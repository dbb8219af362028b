package server

import (
	"fmt"
	"unicode"
)

const maxServiceNameLen = 200

// RequestValidator checks health requests before they reach the checker.
type RequestValidator struct {
	maxLen int
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{maxLen: maxServiceNameLen}
}

// Validate checks that a service name is short and printable. The empty
// name is valid and means the whole server.
func (v *RequestValidator) Validate(service string) error {
	if len(service) > v.maxLen {
		return fmt.Errorf("service name exceeds %d bytes", v.maxLen)
	}
	for _, r := range service {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fmt.Errorf("invalid character %q in service name", r)
		}
	}
	return nil
}
