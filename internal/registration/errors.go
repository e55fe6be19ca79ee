package registration

import (
	"fmt"
	"strings"

	"wsrpline/internal/wsrp"
)

// ErrorKind classifies registration failures.
type ErrorKind int

const (
	KindInvalidArgument ErrorKind = iota + 1
	KindNoSuchRegistration
	KindDuplicate
	KindValidation
	KindInvalidConsumerData
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNoSuchRegistration:
		return "no such registration"
	case KindDuplicate:
		return "duplicate registration"
	case KindValidation:
		return "invalid registration data"
	case KindInvalidConsumerData:
		return "invalid consumer data"
	case KindRejected:
		return "registration rejected"
	}
	return "registration error"
}

// Error is the single error type returned by this package.
// Validation errors list every offending property in Missing, Unexpected and Invalid.
type Error struct {
	Kind       ErrorKind
	Message    string
	Missing    []wsrp.QName
	Unexpected []wsrp.QName
	Invalid    []wsrp.QName
	// Handle of the already existing registration for duplicate registrations.
	Handle string
	Cause  error
}

var (
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrNoSuchRegistration  = &Error{Kind: KindNoSuchRegistration}
	ErrDuplicate           = &Error{Kind: KindDuplicate}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidConsumerData = &Error{Kind: KindInvalidConsumerData}
	ErrRejected            = &Error{Kind: KindRejected}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// PropertyNames returns every offending property name, missing first.
func (e *Error) PropertyNames() []string {
	var out []string
	for _, group := range [][]wsrp.QName{e.Missing, e.Unexpected, e.Invalid} {
		for _, q := range group {
			out = append(out, q.String())
		}
	}
	return out
}

func invalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func noSuchRegistration(format string, args ...any) error {
	return &Error{Kind: KindNoSuchRegistration, Message: fmt.Sprintf(format, args...)}
}

func duplicate(format string, args ...any) error {
	return &Error{Kind: KindDuplicate, Message: fmt.Sprintf(format, args...)}
}

func validationError(missing, unexpected, invalid []wsrp.QName) error {
	wsrp.SortQNames(missing)
	wsrp.SortQNames(unexpected)
	wsrp.SortQNames(invalid)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing properties: "+joinNames(missing))
	}
	if len(unexpected) > 0 {
		parts = append(parts, "unexpected properties: "+joinNames(unexpected))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid values for properties: "+joinNames(invalid))
	}
	return &Error{
		Kind:       KindValidation,
		Message:    "registration properties do not match producer expectations; " + strings.Join(parts, "; "),
		Missing:    missing,
		Unexpected: unexpected,
		Invalid:    invalid,
	}
}

func joinNames(names []wsrp.QName) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n.String()
	}
	return strings.Join(out, ", ")
}
