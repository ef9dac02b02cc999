package client

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is an error code shared with the server
type Code uint32

const (
	CodeOK Code = iota
	CodeAccess
	CodeCommand
	CodeInvalid
	CodeExist
	CodeNoEntity
	CodeConnectionRefused
	CodeProtocol
	CodeTimeout
	CodeAuthKey
	CodeInternal
	CodeConnectionTerminated
	CodeKilled
	CodeInvalidServer
	CodeModInitFailed
	CodeBadState
	CodeUnknown
)

var EnumNamesCode = map[Code]string{
	CodeOK:                   "OK",
	CodeAccess:               "Access",
	CodeCommand:              "Command",
	CodeInvalid:              "Invalid",
	CodeExist:                "Exist",
	CodeNoEntity:             "NoEntity",
	CodeConnectionRefused:    "ConnectionRefused",
	CodeProtocol:             "Protocol",
	CodeTimeout:              "Timeout",
	CodeAuthKey:              "AuthKey",
	CodeInternal:             "Internal",
	CodeConnectionTerminated: "ConnectionTerminated",
	CodeKilled:               "Killed",
	CodeInvalidServer:        "InvalidServer",
	CodeModInitFailed:        "ModInitFailed",
	CodeBadState:             "BadState",
	CodeUnknown:              "Unknown",
}

var _codeText = map[Code]string{
	CodeOK:                   "OK",
	CodeAccess:               "access denied",
	CodeCommand:              "unknown command",
	CodeInvalid:              "invalid argument",
	CodeExist:                "entity exists",
	CodeNoEntity:             "no such entity",
	CodeConnectionRefused:    "connection refused",
	CodeProtocol:             "protocol error",
	CodeTimeout:              "timeout",
	CodeAuthKey:              "no authorization key",
	CodeInternal:             "internal error",
	CodeConnectionTerminated: "connection terminated",
	CodeKilled:               "entity killed",
	CodeInvalidServer:        "invalid server",
	CodeModInitFailed:        "module initialization failed",
	CodeBadState:             "bad state",
	CodeUnknown:              "unknown error code",
}

func (c Code) String() string {
	if s, ok := EnumNamesCode[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Text returns a human readable description of c
func (c Code) Text() string {
	if s, ok := _codeText[c]; ok {
		return s
	}
	return _codeText[CodeUnknown]
}

// Error is an error identified by a Code.
// Wrapped errors match the sentinels below with errors.Is.
type Error struct {
	Code Code
}

func (e *Error) Error() string {
	return "audiostream: " + e.Code.Text()
}

// Is reports whether target is an *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrAccess               = &Error{Code: CodeAccess}
	ErrCommand              = &Error{Code: CodeCommand}
	ErrInvalid              = &Error{Code: CodeInvalid}
	ErrExist                = &Error{Code: CodeExist}
	ErrNoEntity             = &Error{Code: CodeNoEntity}
	ErrConnectionRefused    = &Error{Code: CodeConnectionRefused}
	ErrProtocol             = &Error{Code: CodeProtocol}
	ErrTimeout              = &Error{Code: CodeTimeout}
	ErrInternal             = &Error{Code: CodeInternal}
	ErrConnectionTerminated = &Error{Code: CodeConnectionTerminated}
	ErrKilled               = &Error{Code: CodeKilled}
	ErrBadState             = &Error{Code: CodeBadState}
)

var errTrailingData = errors.New("trailing data in reply")

// CodeOf returns the code of the *Error wrapped in err, CodeOK for nil and
// CodeUnknown for any other error
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
