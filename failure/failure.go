// Package failure holds the error taxonomy shared by the lattice layers and
// the fatal path used when a distributed computation can no longer proceed.
package failure

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrConfiguration reports an impossible partition or lattice request.
	ErrConfiguration = errors.New("configuration error")
	// ErrAllocation reports exhausted host or device memory.
	ErrAllocation = errors.New("allocation error")
	// ErrCommunication reports a transport failure or an aborted world.
	ErrCommunication = errors.New("communication error")
	// ErrUsage reports a contract violation by the caller.
	ErrUsage = errors.New("usage error")
)

// Configuration wraps ErrConfiguration with a formatted message.
func Configuration(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Allocation wraps ErrAllocation with a formatted message.
func Allocation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAllocation, fmt.Sprintf(format, args...))
}

// Communication wraps ErrCommunication with a formatted message.
func Communication(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCommunication, fmt.Sprintf(format, args...))
}

// Usage wraps ErrUsage with a formatted message.
func Usage(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Aborter is implemented by communicators that can bring down every rank.
type Aborter interface {
	Abort(err error)
}

// Fatal logs err, aborts all ranks reachable through a and panics with err.
// A nil aborter only panics. There is no return from Fatal.
func Fatal(a Aborter, err error) {
	logrus.WithError(err).Error("fatal lattice error, aborting all ranks")
	if a != nil {
		a.Abort(err)
	}
	panic(err)
}

// UsagePanic panics with a usage error. Usage errors are local bugs, so the
// other ranks are not aborted here; they fail on their next collective.
func UsagePanic(format string, args ...interface{}) {
	panic(Usage(format, args...))
}

// FromRecovered converts a value recovered from a panic into an error.
func FromRecovered(r interface{}) error {
	switch v := r.(type) {
	case nil:
		return nil
	case error:
		return v
	default:
		return fmt.Errorf("panic: %v", v)
	}
}
