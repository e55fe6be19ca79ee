package wsrp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is a WSRP protocol version.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

func (v Version) String() string {
	return "v" + strconv.Itoa(int(v))
}

// ParseVersion accepts "1", "v1", "2", "v2".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	switch s {
	case "1":
		return V1, nil
	case "2":
		return V2, nil
	}
	return 0, fmt.Errorf("unsupported WSRP version %q", s)
}

// FaultKind names a protocol-defined exception.
type FaultKind string

const (
	FaultInvalidRegistration        FaultKind = "InvalidRegistration"
	FaultModifyRegistrationRequired FaultKind = "ModifyRegistrationRequired"
	FaultMissingParameters          FaultKind = "MissingParameters"
	FaultInconsistentParameters     FaultKind = "InconsistentParameters"
	FaultInvalidHandle              FaultKind = "InvalidHandle"
	FaultAccessDenied               FaultKind = "AccessDenied"
	FaultOperationFailed            FaultKind = "OperationFailed"
	FaultOperationNotSupported      FaultKind = "OperationNotSupported"
)

var knownFaults = map[FaultKind]Version{
	FaultInvalidRegistration:        V1,
	FaultMissingParameters:          V1,
	FaultInconsistentParameters:     V1,
	FaultInvalidHandle:              V1,
	FaultAccessDenied:               V1,
	FaultOperationFailed:            V1,
	FaultModifyRegistrationRequired: V2,
	FaultOperationNotSupported:      V2,
}

// ParseFaultKind returns the kind for a wire code, if it is one.
func ParseFaultKind(code string) (FaultKind, bool) {
	k := FaultKind(code)
	_, ok := knownFaults[k]
	return k, ok
}

// Fault is a business outcome reported by a Producer. It is never a transport failure.
type Fault struct {
	Kind       FaultKind
	Version    Version
	Message    string
	Properties []string
}

// Sentinels for errors.Is; they match any fault of the same kind.
var (
	ErrInvalidRegistration        = &Fault{Kind: FaultInvalidRegistration}
	ErrModifyRegistrationRequired = &Fault{Kind: FaultModifyRegistrationRequired}
	ErrMissingParameters          = &Fault{Kind: FaultMissingParameters}
	ErrInconsistentParameters     = &Fault{Kind: FaultInconsistentParameters}
	ErrInvalidHandle              = &Fault{Kind: FaultInvalidHandle}
	ErrAccessDenied               = &Fault{Kind: FaultAccessDenied}
	ErrOperationFailed            = &Fault{Kind: FaultOperationFailed}
	ErrOperationNotSupported      = &Fault{Kind: FaultOperationNotSupported}
)

// NewFault builds a V2 fault.
func NewFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Version: V2, Message: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Message
}

func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// ForVersion maps the fault onto the kinds the given protocol version defines.
// V1 has no ModifyRegistrationRequired nor OperationNotSupported.
func (f *Fault) ForVersion(v Version) *Fault {
	out := *f
	out.Version = v
	out.Properties = append([]string(nil), f.Properties...)
	if v == V1 {
		switch f.Kind {
		case FaultModifyRegistrationRequired:
			out.Kind = FaultInvalidRegistration
		case FaultOperationNotSupported:
			out.Kind = FaultOperationFailed
		}
	}
	return &out
}

// IsFault reports whether err carries a protocol fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// AsFault extracts the fault carried by err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
