package scale

import (
	"errors"
	"fmt"
)

// Kind identifies a class of scale failure. The string value is stable and
// is what the bridge reports as the error type.
type Kind string

const (
	KindUnstableWeight   Kind = "unstable_weight"
	KindNegativeWeight   Kind = "negative_weight"
	KindTimeout          Kind = "timeout"
	KindOverload         Kind = "overload"
	KindZeroCapture      Kind = "zero_capture"
	KindCalibrationError Kind = "calibration_error"
	KindInvalidResponse  Kind = "invalid_response"
	KindSerialConnection Kind = "serial_connection"
	KindInvalidScaleID   Kind = "invalid_scale_id"
)

var kindCodes = map[Kind]int{
	KindUnstableWeight:   -1,
	KindNegativeWeight:   -2,
	KindTimeout:          -9,
	KindOverload:         -10,
	KindZeroCapture:      -11,
	KindCalibrationError: -12,
	KindInvalidResponse:  0,
	KindSerialConnection: -100,
	KindInvalidScaleID:   -101,
}

// Code returns the numeric code reported for the kind.
func (k Kind) Code() int {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindSerialConnection]
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrUnstableWeight   = &Error{Kind: KindUnstableWeight, Message: "unstable weight"}
	ErrNegativeWeight   = &Error{Kind: KindNegativeWeight, Message: "negative weight"}
	ErrTimeout          = &Error{Kind: KindTimeout, Message: "no response received"}
	ErrOverload         = &Error{Kind: KindOverload, Message: "overload"}
	ErrZeroCapture      = &Error{Kind: KindZeroCapture, Message: "zero capture"}
	ErrCalibration      = &Error{Kind: KindCalibrationError, Message: "calibration error"}
	ErrInvalidResponse  = &Error{Kind: KindInvalidResponse, Message: "invalid response"}
	ErrSerialConnection = &Error{Kind: KindSerialConnection, Message: "serial connection error"}
	ErrInvalidScaleID   = &Error{Kind: KindInvalidScaleID, Message: "unknown scale id"}
)

// ErrUnsupportedBrand is returned by NewHandler for brands outside the
// supported set. It is a configuration error and is never retried.
var ErrUnsupportedBrand = errors.New("unsupported brand")

// Error is a failure signalled by the scale, the framing or the link.
// Raw holds the response that triggered it, if any.
type Error struct {
	Kind    Kind
	Message string
	Raw     []byte
}

func newError(kind Kind, message string, raw []byte) *Error {
	e := &Error{Kind: kind, Message: message}
	if len(raw) > 0 {
		e.Raw = append([]byte(nil), raw...)
	}
	return e
}

func (e *Error) Error() string {
	if len(e.Raw) > 0 {
		return fmt.Sprintf("%s: %s (raw %q)", e.Kind, e.Message, e.Raw)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the stable numeric code of the error kind.
func (e *Error) Code() int {
	return e.Kind.Code()
}

// Retryable reports whether ReadWeight may retry after this failure.
// Only in-motion readings and empty reads qualify.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnstableWeight || e.Kind == KindTimeout
}

// Payload is the wire shape of an error handed to the host application.
type Payload struct {
	Type        Kind    `json:"type"`
	Code        int     `json:"code"`
	Message     string  `json:"message"`
	RawResponse *string `json:"rawResponse,omitempty"`
}

// Payload converts the error into its wire shape.
func (e *Error) Payload() Payload {
	p := Payload{Type: e.Kind, Code: e.Code(), Message: e.Message}
	if len(e.Raw) > 0 {
		raw := string(e.Raw)
		p.RawResponse = &raw
	}
	return p
}

// PayloadOf converts any error into a Payload. Errors that are not *Error
// are reported as serial_connection failures.
func PayloadOf(err error) Payload {
	var se *Error
	if errors.As(err, &se) {
		return se.Payload()
	}
	return Payload{
		Type:    KindSerialConnection,
		Code:    KindSerialConnection.Code(),
		Message: err.Error(),
	}
}

// KindOf returns the kind of err, or an empty Kind if err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
