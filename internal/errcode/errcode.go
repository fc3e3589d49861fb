// Package errcode defines the result codes reported to clients and the
// sentinel errors that carry them.
package errcode

import "errors"

// Code is a negative errno-style result; zero means success.
type Code int32

const (
	OK              Code = 0
	NotFound        Code = -2
	IO              Code = -5
	NoMemory        Code = -12
	Exists          Code = -17
	NoDevice        Code = -19
	InvalidArgument Code = -22
)

// Error is a sentinel error with an attached result code.
type Error struct {
	code Code
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Code() Code    { return e.code }

var (
	ErrNotFound        = &Error{NotFound, "not found"}
	ErrIO              = &Error{IO, "i/o error"}
	ErrNoMemory        = &Error{NoMemory, "no memory"}
	ErrExists          = &Error{Exists, "already exists"}
	ErrNoDevice        = &Error{NoDevice, "no such device"}
	ErrInvalidArgument = &Error{InvalidArgument, "invalid argument"}
)

// Of returns the code carried by err. Errors without a code map to IO, nil
// maps to OK.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.code
	}
	return IO
}
