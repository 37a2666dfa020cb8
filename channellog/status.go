package channellog

import "fmt"

// Severity ranks a Status. Anything at or above SeverityError is a failure.
type Severity uint8

const (
	SeverityOK     Severity = 0
	SeverityWarn   Severity = 4
	SeverityError  Severity = 5
	SeveritySevere Severity = 6
	SeverityFatal  Severity = 7
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeveritySevere:
		return "SEVERE"
	case SeverityFatal:
		return "FATAL"
	}
	return fmt.Sprintf("Severity(%d)", uint8(s))
}

// Status is the outcome of a remote operation: a severity plus a detail
// code.
type Status struct {
	Severity Severity
	Code     uint16
}

// Known statuses. Codes are stable on the wire.
var (
	StatusOK           = Status{SeverityOK, 0}
	StatusTimeout      = Status{SeverityError, 1}
	StatusNotOpen      = Status{SeverityError, 10}
	StatusInternal     = Status{SeverityFatal, 12}
	StatusBadIOMode    = Status{SeverityError, 13}
	StatusNameInvalid  = Status{SeverityError, 14}
	StatusProtocolFail = Status{SeveritySevere, 17}
	StatusDeadDaemon   = Status{SeverityFatal, 20}
	StatusReadOnly     = Status{SeverityError, 22}
	StatusNotFound     = Status{SeverityError, 23}
	StatusExists       = Status{SeverityError, 24}
	StatusRange        = Status{SeverityError, 25}
	StatusNoRoute      = Status{SeverityError, 26}
	StatusBadRequest   = Status{SeverityError, 27}
)

var statusNames = map[Status]string{
	StatusOK:           "OK",
	StatusTimeout:      "timeout",
	StatusNotOpen:      "log not open",
	StatusInternal:     "internal error",
	StatusBadIOMode:    "bad I/O mode",
	StatusNameInvalid:  "invalid log name",
	StatusProtocolFail: "protocol failure",
	StatusDeadDaemon:   "log server unreachable",
	StatusReadOnly:     "log is read-only",
	StatusNotFound:     "not found",
	StatusExists:       "log already exists",
	StatusRange:        "record out of range",
	StatusNoRoute:      "no route to log server",
	StatusBadRequest:   "bad request",
}

// OK reports whether s is not a failure.
func (s Status) OK() bool { return s.Severity < SeverityError }

// IsTimeout reports whether s is StatusTimeout.
func (s Status) IsTimeout() bool { return s == StatusTimeout }

// Uint32 packs s for the wire.
func (s Status) Uint32() uint32 { return uint32(s.Severity)<<16 | uint32(s.Code) }

// StatusFromUint32 reverses Status.Uint32.
func StatusFromUint32(v uint32) Status {
	return Status{Severity: Severity(v >> 16), Code: uint16(v)}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s: %s", s.Severity, name)
	}
	return fmt.Sprintf("%s: code %d", s.Severity, s.Code)
}
