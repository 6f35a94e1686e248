package delivery

import (
	"errors"
	"fmt"
)

var (
	ErrDeliveryTransport = errors.New("delivery transport error")
	ErrDeliveryRejected  = errors.New("delivery rejected")
	ErrJobExpired        = errors.New("job expired")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	ErrUnknownJobType    = errors.New("unknown job type")
)

// RejectedError is a non-2xx answer from a remote inbox.
type RejectedError struct {
	Inbox      string
	StatusCode int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s answered %d", e.Inbox, e.StatusCode)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrDeliveryRejected
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the job fails at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
