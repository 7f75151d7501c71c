package errs

import (
	"errors"
	"fmt"
	"strconv"
)

// Error codes.
const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeUnknownLayer      = "UNKNOWN_LAYER"
	CodeUnsupportedInput  = "UNSUPPORTED_INPUT"
	CodeDiverged          = "DIVERGED"
	CodeDeviceUnavailable = "DEVICE_UNAVAILABLE"
	CodeWeightsInvalid    = "WEIGHTS_INVALID"
	CodeIO                = "IO_FAILED"
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// Configuration creates a CONFIG_INVALID error with a formatted message.
func Configuration(format string, args ...interface{}) *Error {
	return New(CodeConfigInvalid, CategoryConfig, fmt.Sprintf(format, args...))
}

// ConfigurationWrap wraps cause as a CONFIG_INVALID error.
func ConfigurationWrap(cause error, format string, args ...interface{}) *Error {
	return Configuration(format, args...).WithCause(cause)
}

// UnknownLayer reports a layer identifier missing from the extractor catalog.
func UnknownLayer(layer string) *Error {
	return New(CodeUnknownLayer, CategoryConfig, "unknown layer identifier").
		WithContext("layer", layer)
}

// UnsupportedInput creates an UNSUPPORTED_INPUT error with a formatted message.
func UnsupportedInput(format string, args ...interface{}) *Error {
	return New(CodeUnsupportedInput, CategoryInput, fmt.Sprintf(format, args...))
}

// DeviceUnavailable reports an accelerator that was requested but could not be used.
func DeviceUnavailable(cause error, format string, args ...interface{}) *Error {
	return New(CodeDeviceUnavailable, CategoryDevice, fmt.Sprintf(format, args...)).WithCause(cause)
}

// Weights reports a missing or malformed weight file.
func Weights(cause error, format string, args ...interface{}) *Error {
	return New(CodeWeightsInvalid, CategoryIO, fmt.Sprintf(format, args...)).WithCause(cause)
}

// IO wraps a file read or write failure.
func IO(cause error, format string, args ...interface{}) *Error {
	return New(CodeIO, CategoryIO, fmt.Sprintf(format, args...)).WithCause(cause)
}

// -----------------------------------------------------------------------------
// Divergence
// -----------------------------------------------------------------------------

// DivergedError aborts a run whose loss became non-finite. Iteration and Loss
// describe the last finite point; Iteration 0 is the initial canvas and Loss
// is NaN when no finite loss was ever observed.
type DivergedError struct {
	Iteration int
	Loss      float64
	Cause     error
}

func (e *DivergedError) Error() string {
	msg := "DIVERGED: loss became non-finite after iteration " + strconv.Itoa(e.Iteration) +
		" (last finite loss " + strconv.FormatFloat(e.Loss, 'g', -1, 64) + ")"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DivergedError) Unwrap() error { return e.Cause }

// Is matches any *Error or *DivergedError carrying the DIVERGED code.
func (e *DivergedError) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Code == CodeDiverged
	case *DivergedError:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Predicates
// -----------------------------------------------------------------------------

// IsConfiguration reports whether err is a configuration error, including
// unknown layer identifiers.
func IsConfiguration(err error) bool {
	return IsCategory(err, CategoryConfig)
}

// IsUnknownLayer reports whether err names a layer missing from the catalog.
func IsUnknownLayer(err error) bool {
	return IsCode(err, CodeUnknownLayer)
}

// IsUnsupportedInput reports whether err rejects an input image.
func IsUnsupportedInput(err error) bool {
	return IsCode(err, CodeUnsupportedInput)
}

// IsDeviceUnavailable reports whether err is an accelerator failure.
func IsDeviceUnavailable(err error) bool {
	return IsCode(err, CodeDeviceUnavailable)
}

// IsDiverged reports whether err aborted a run on a non-finite loss, either
// as a *DivergedError or as an *Error carrying the DIVERGED code.
func IsDiverged(err error) bool {
	var d *DivergedError
	return errors.As(err, &d) || IsCode(err, CodeDiverged)
}
