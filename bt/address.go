package bt

import (
	"fmt"
	"strings"
)

// Address is a remote or local Bluetooth device address in canonical
// upper-case colon form, e.g. "00:1A:7D:DA:71:13".
type Address string

// ParseAddress validates s as a six-octet colon separated address and
// returns its canonical form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if len(s) != 17 {
		return "", fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return "", fmt.Errorf("invalid bluetooth address %q", s)
			}
			continue
		}
		if !isHex(c) {
			return "", fmt.Errorf("invalid bluetooth address %q", s)
		}
	}
	return Address(strings.ToUpper(s)), nil
}

// NormalizeAddress returns the canonical form of s without validating it.
func NormalizeAddress(s string) Address {
	return Address(strings.ToUpper(strings.TrimSpace(s)))
}

func (a Address) String() string { return string(a) }

// HasAnyPrefix reports whether the address starts with any of the given
// prefixes, compared case-insensitively.
func (a Address) HasAnyPrefix(prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(string(a), strings.ToUpper(p)) {
			return true
		}
	}
	return false
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
