package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the explicit result-variant tag the device loop uses to
// classify a failure before updating health, per the error taxonomy in
// spec section 7.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrTransportTimeout
	ErrConnectionLost
	ErrRemoteException
	ErrConfiguration
	ErrDecode
	ErrOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransportTimeout:
		return "TransportTimeout"
	case ErrConnectionLost:
		return "ConnectionLost"
	case ErrRemoteException:
		return "RemoteException"
	case ErrConfiguration:
		return "ConfigurationError"
	case ErrDecode:
		return "DecodeError"
	case ErrOverflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// Fault wraps a classified error with its kind so callers can branch on
// Kind (or KindOf) without string matching, while still supporting errors.Is/As
// against the wrapped cause.
type Fault struct {
	Kind ErrorKind
	Code int // RemoteException exception code, when Kind == ErrRemoteException
	Err  error
}

func NewFault(kind ErrorKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

func NewRemoteException(code int, err error) *Fault {
	return &Fault{Kind: ErrRemoteException, Code: code, Err: err}
}

func (f *Fault) Error() string {
	if f.Kind == ErrRemoteException {
		return fmt.Sprintf("%s(code=%d): %v", f.Kind, f.Code, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// KindOf extracts the ErrorKind from err if it is (or wraps) a *Fault,
// otherwise returns ErrUnknown.
func KindOf(err error) ErrorKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ErrUnknown
}

// QualityFor maps a classified error to the Reading quality the processor
// must publish, per spec section 4.5/7.
func QualityFor(err error) Quality {
	switch KindOf(err) {
	case ErrTransportTimeout:
		return QualityTimeout
	case ErrConnectionLost:
		return QualityTimeout
	case ErrRemoteException:
		return QualityDeviceFailure
	case ErrConfiguration, ErrDecode:
		return QualityConfigurationError
	case ErrOverflow:
		return QualityOverflow
	default:
		return QualityBad
	}
}

// IsConnectionLost reports whether err is (or wraps) a ConnectionLost fault.
func IsConnectionLost(err error) bool { return KindOf(err) == ErrConnectionLost }
