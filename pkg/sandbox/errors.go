package sandbox

import "errors"

var (
	// ErrSyntax is returned when a script does not parse or resolve
	ErrSyntax = errors.New("script syntax error")

	// ErrForbiddenLoad is returned when a script loads anything but a capability module
	ErrForbiddenLoad = errors.New("script loads a non-capability module")

	// ErrUndiscoveredModule is returned when a script references a capability module that was never discovered
	ErrUndiscoveredModule = errors.New("script references an undiscovered capability module")

	// ErrUndiscoveredFunction is returned when a script calls a function its module does not expose
	ErrUndiscoveredFunction = errors.New("script calls an undiscovered capability function")

	// ErrModuleValue is returned when a capability module is used other than by calling one of its functions
	ErrModuleValue = errors.New("script uses a capability module as a value")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be > 0)")

	// ErrInvalidOutputLimit is returned when the output limit is invalid
	ErrInvalidOutputLimit = errors.New("invalid output limit (must be >= 0)")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrBridgeUnavailable is returned to scripts that call tools without a bridge
	ErrBridgeUnavailable = errors.New("tool calls are not available in this sandbox")
)

// CapabilityError reports the capability a script was rejected for
type CapabilityError struct {
	Err      error
	Module   string
	Function string
	Line     int32
}

func (e *CapabilityError) Error() string {
	switch {
	case e.Function != "":
		return e.Err.Error() + ": " + e.Module + "." + e.Function
	case e.Module != "":
		return e.Err.Error() + ": " + e.Module
	default:
		return e.Err.Error()
	}
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}
