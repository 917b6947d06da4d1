// Package barerr defines the error kinds the server core raises and their
// stable wire codes. Every command handler resolves whatever went wrong into
// exactly one of these kinds before the terminal result frame is written, so
// remote clients can rely on the integer code regardless of the human text.
package barerr

import (
	"errors"
	"fmt"
)

// Code is the integer error code carried in result frames. Code 0 means
// success and is never used by an Error value.
type Code int

const (
	CodeNone Code = 0

	CodeExpectedParameter        Code = 1
	CodeInvalidValue             Code = 2
	CodeUnknownValue             Code = 3
	CodeDeprecatedOrIgnoredValue Code = 4

	CodeJobNotFound      Code = 10
	CodeJobAlreadyExists Code = 11
	CodeJobRunning       Code = 12

	CodeScheduleNotFound      Code = 20
	CodePersistenceIdNotFound Code = 21
	CodePatternIdNotFound     Code = 22
	CodeMountIdNotFound       Code = 23
	CodeDeltaSourceIdNotFound Code = 24
	CodeMaintenanceIdNotFound Code = 25
	CodeServerIdNotFound      Code = 26

	CodeEntryNotFound         Code = 30
	CodeDatabaseEntryNotFound Code = 31
	CodeDatabaseIndexNotFound Code = 32
	CodeDatabaseParseId       Code = 33

	CodeDatabaseAuthorization  Code = 40
	CodeInvalidPassword        Code = 41
	CodeInvalidCryptPassword   Code = 42
	CodeInvalidFtpPassword     Code = 43
	CodeInvalidSshPassword     Code = 44
	CodeInvalidWebdavPassword  Code = 45
	CodeNoCryptPassword        Code = 46

	CodeParseDate        Code = 50
	CodeParseTime        Code = 51
	CodeParseWeekdays    Code = 52
	CodeParseSchedule    Code = 53
	CodeParseMaintenance Code = 54

	CodeNoTlsCertificate     Code = 60
	CodeNoTlsKey             Code = 61
	CodeFunctionNotSupported Code = 62

	CodeNotPaired         Code = 70
	CodeNotASlave         Code = 71
	CodeSlaveDisconnected Code = 72
	CodeConnectFail       Code = 73

	CodeInterrupted        Code = 80
	CodeAborted            Code = 81
	CodeInsufficientMemory Code = 82

	// CodeUnknown is reported for errors that do not map to any kind above.
	CodeUnknown Code = 99
)

// Error is an error kind together with its human-readable message. It is the
// only error type that crosses the wire protocol boundary.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("error %d", e.Code)
	}
	return e.Message
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts any error into an *Error. An existing *Error anywhere in the
// chain is returned unchanged so the original code survives fmt.Errorf("%w")
// wrapping in intermediate layers. Everything else becomes CodeUnknown.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}

// CodeOf returns the wire code for err, or CodeNone for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	return Wrap(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}
