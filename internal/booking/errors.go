package booking

import (
	"errors"
	"fmt"
)

// Kind classifies booking failures for callers that map them to transport
// status codes.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindAuthorization
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a user-facing booking failure with a machine-readable code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is matches on Code so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

var (
	ErrServicesRequired = newError(KindValidation, "services_required")
	ErrServicesInvalid  = newError(KindValidation, "services_invalid")
	ErrStartRequired    = newError(KindValidation, "start_ts_required")
	ErrStartInvalid     = newError(KindValidation, "start_ts_invalid")
	ErrDateInvalid      = newError(KindValidation, "date_invalid")
	ErrSlotInvalid      = newError(KindValidation, "slot_invalid")
	ErrReasonRequired   = newError(KindValidation, "reason_required")
	ErrDurationInvalid  = newError(KindValidation, "duration_invalid")

	ErrSlotUnavailable     = newError(KindConflict, "slot_unavailable")
	ErrSlotBusy            = newError(KindConflict, "slot_busy")
	ErrSlotNotAllowed      = newError(KindConflict, "slot_not_allowed")
	ErrOutsideWorkingHours = newError(KindConflict, "outside_working_hours")
	ErrNotAllowed          = newError(KindConflict, "booking_not_allowed")

	ErrForbidden    = newError(KindAuthorization, "forbidden")
	ErrFormRequired = newError(KindAuthorization, "form_required")

	ErrNotFound = newError(KindNotFound, "booking_not_found")
)

// withMsg returns a copy of e carrying detail for logs.
func withMsg(e *Error, format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Msg: fmt.Sprintf(format, args...)}
}

// AsError extracts a booking Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
