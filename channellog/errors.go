package channellog

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
)

// Sentinel errors. Every *Error matches the sentinel of its Kind with
// errors.Is, and also whatever it wraps.
var (
	// ErrNameFormat indicates a malformed printable name or alias.
	ErrNameFormat = errors.New("malformed log name")

	// ErrCreate indicates a log could not be created.
	ErrCreate = errors.New("cannot create log")

	// ErrOpen indicates a log could not be opened.
	ErrOpen = errors.New("cannot open log")

	// ErrNotFound indicates a missing log, record or metadata tag.
	ErrNotFound = errors.New("not found")

	// ErrRange indicates a record number beyond the end of the log.
	ErrRange = errors.New("record out of range")

	// ErrPermission indicates an operation the handle's I/O mode forbids.
	ErrPermission = errors.New("operation not permitted by I/O mode")

	// ErrClosed indicates use of a closed handle or client.
	ErrClosed = errors.New("handle closed")

	// ErrIO indicates a transport or server failure.
	ErrIO = errors.New("log I/O failure")

	// ErrInvalid indicates a bad argument.
	ErrInvalid = errors.New("invalid argument")

	// ErrExists indicates a log with the same name already exists.
	ErrExists = errors.New("log already exists")

	// ErrNotInitialized is returned by the package-level helpers before Init.
	ErrNotInitialized = errors.New("channellog: not initialized")
)

// Kind classifies an Error.
type Kind int

const (
	KindNameFormat Kind = iota + 1
	KindCreate
	KindOpen
	KindNotFound
	KindRange
	KindPermission
	KindClosed
	KindIO
	KindInvalid
)

func (k Kind) sentinel() error {
	switch k {
	case KindNameFormat:
		return ErrNameFormat
	case KindCreate:
		return ErrCreate
	case KindOpen:
		return ErrOpen
	case KindNotFound:
		return ErrNotFound
	case KindRange:
		return ErrRange
	case KindPermission:
		return ErrPermission
	case KindClosed:
		return ErrClosed
	case KindIO:
		return ErrIO
	case KindInvalid:
		return ErrInvalid
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the structured error returned by every operation in this
// package. Status carries the log status reported by the server, or the
// status the client assigned to a local failure.
type Error struct {
	Kind   Kind
	Op     string
	Status Status
	Err    error
}

func newError(kind Kind, op string, status Status, err error) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("channellog: %s: %s [%s]", e.Op, msg, e.Status)
}

// Is matches the sentinel error for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf returns the Status carried by err, StatusOK for nil, and
// StatusInternal for errors from outside this package.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternal
}

// errorCode is the server-side classification of a failed request.
type errorCode string

const (
	codeBadRequest  errorCode = protocol.CodeBadRequest
	codeNotFound    errorCode = protocol.CodeNotFound
	codeExists      errorCode = protocol.CodeExists
	codeRange       errorCode = protocol.CodeRange
	codeForbidden   errorCode = protocol.CodeForbidden
	codeTooLarge    errorCode = protocol.CodeTooLarge
	codeUnavailable errorCode = protocol.CodeUnavailable
	codeNoSession   errorCode = protocol.CodeNoSession
	codeInternal    errorCode = protocol.CodeInternal
)

// httpStatus returns the HTTP status code for an error code.
func (c errorCode) httpStatus() int {
	switch c {
	case codeBadRequest:
		return http.StatusBadRequest
	case codeNotFound, codeNoSession:
		return http.StatusNotFound
	case codeExists:
		return http.StatusConflict
	case codeRange:
		return http.StatusRequestedRangeNotSatisfiable
	case codeForbidden:
		return http.StatusForbidden
	case codeTooLarge:
		return http.StatusRequestEntityTooLarge
	case codeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// protoError is a failed request as the handler reports it.
type protoError struct {
	Code    errorCode
	Message string
	Status  Status
}

func (e *protoError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *protoError) body() protocol.ErrorBody {
	return protocol.ErrorBody{Code: string(e.Code), Message: e.Message, Status: e.Status.Uint32()}
}

// newProtoError creates a protocol error.
func newProtoError(code errorCode, status Status, message string) *protoError {
	return &protoError{Code: code, Message: message, Status: status}
}
