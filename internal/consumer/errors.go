package consumer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"wsrpline/internal/wsrp"
)

// ErrInvalidArgument marks a missing or malformed argument to a consumer-side call.
var ErrInvalidArgument = errors.New("invalid argument")

// UnavailableError means the Producer could not be reached. Retry on the next refresh.
type UnavailableError struct {
	Endpoint string
	Timeout  bool
	Cause    error
}

func (e *UnavailableError) Error() string {
	what := "unavailable"
	if e.Timeout {
		what = "timed out"
	}
	if e.Cause == nil {
		return fmt.Sprintf("producer at %s %s", e.Endpoint, what)
	}
	return fmt.Sprintf("producer at %s %s: %v", e.Endpoint, what, e.Cause)
}

func (e *UnavailableError) Unwrap() error       { return e.Cause }
func (e *UnavailableError) IsRecoverable() bool { return true }

// FailedError means the endpoint is misconfigured or misbehaving. It sticks until reset.
type FailedError struct {
	Endpoint string
	Cause    error
}

func (e *FailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("producer at %s failed", e.Endpoint)
	}
	return fmt.Sprintf("producer at %s failed: %v", e.Endpoint, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }
func (e *FailedError) IsFatal() bool { return true }

// ValidationError means the local registration properties need fixing before (re)registering.
type ValidationError struct {
	ProducerID string
	Result     *RefreshResult
}

func (e *ValidationError) Error() string {
	names := e.Result.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n.String() + " (" + e.Result.Properties[n].String() + ")"
	}
	return fmt.Sprintf("registration with %s needs attention: %s", e.ProducerID, strings.Join(parts, ", "))
}

func (e *ValidationError) IsClientError() bool { return true }

func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

func IsFailed(err error) bool {
	var f *FailedError
	return errors.As(err, &f)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// retryable is implemented by transport errors that know whether a retry may help.
type retryable interface {
	Retryable() bool
}

// classify sorts err into business fault, unavailable or failed. Faults and
// cancellations come back unchanged.
func classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var (
		fault       *wsrp.Fault
		unavailable *UnavailableError
		failed      *FailedError
		validation  *ValidationError
	)
	switch {
	case errors.As(err, &fault), errors.As(err, &unavailable), errors.As(err, &failed), errors.As(err, &validation):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &UnavailableError{Endpoint: endpoint, Timeout: true, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &UnavailableError{Endpoint: endpoint, Timeout: netErr.Timeout(), Cause: err}
	}
	var r retryable
	if errors.As(err, &r) && r.Retryable() {
		return &UnavailableError{Endpoint: endpoint, Cause: err}
	}
	return &FailedError{Endpoint: endpoint, Cause: err}
}
