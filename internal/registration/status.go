package registration

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state shared by consumers, groups and registrations.
type Status int

const (
	StatusPending Status = iota
	StatusValid
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "":
		return StatusPending, nil
	case "valid":
		return StatusValid, nil
	case "invalid":
		return StatusInvalid, nil
	}
	return StatusPending, fmt.Errorf("unknown registration status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
