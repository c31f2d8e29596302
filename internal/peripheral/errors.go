package peripheral

import (
	"errors"
	"fmt"
)

// Kind classifies a failure returned by the Manager.
type Kind int

const (
	KindUnknown Kind = iota
	NotFound
	AlreadyExists
	AlreadyAdvertising
	AlreadyInProgress
	NotAdvertising
	NotReady
	Unsupported
	Unavailable
	AdvertiseFailed
	Destroyed
	InvalidArgument
	NotifyFailed
)

var kindNames = map[Kind]string{
	KindUnknown:        "Unknown",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	AlreadyAdvertising: "AlreadyAdvertising",
	AlreadyInProgress:  "AlreadyInProgress",
	NotAdvertising:     "NotAdvertising",
	NotReady:           "NotReady",
	Unsupported:        "Unsupported",
	Unavailable:        "Unavailable",
	AdvertiseFailed:    "AdvertiseFailed",
	Destroyed:          "Destroyed",
	InvalidArgument:    "InvalidArgument",
	NotifyFailed:       "NotifyFailed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// ParseKind maps a kind name back to its Kind. Unknown names yield KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// Error is the error type returned by every Manager operation.
type Error struct {
	Op     string // operation name, e.g. "startAdvertising"
	ID     int    // peripheral id, -1 when not applicable
	Kind   Kind
	Detail string // human readable reason
	Code   int    // native status code, AdvertiseFailed only
	Err    error  // underlying native error, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("peripheral: %s", e.Op)
	if e.ID >= 0 {
		msg += fmt.Sprintf(" [%d]", e.ID)
	}
	msg += ": " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Kind == AdvertiseFailed && e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the native cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}

func newError(op string, id int, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, ID: id, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func wrapError(op string, id int, kind Kind, err error, format string, args ...any) *Error {
	e := newError(op, id, kind, format, args...)
	e.Err = err
	return e
}
