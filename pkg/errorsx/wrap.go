// Package errorsx classifies errors with short machine-readable
// reason codes so log lines and retry decisions can key off them.
package errorsx

import "errors"

type reasoned struct {
	reason ReasonCode
	cause  error
}

func (e *reasoned) Error() string {
	return string(e.reason) + ": " + e.cause.Error()
}

func (e *reasoned) Unwrap() error { return e.cause }

// Wrap tags err with a reason code. The first reason wins: wrapping an
// already-classified error returns it unchanged, so the code closest
// to the failure decides the classification. Wrapping nil returns nil.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re *reasoned
	if errors.As(err, &re) {
		return err
	}
	return &reasoned{reason: reason, cause: err}
}

// Reason reports the reason code carried by err, or ReasonUnknown for
// nil and unclassified errors.
func Reason(err error) ReasonCode {
	var re *reasoned
	if errors.As(err, &re) {
		return re.reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
