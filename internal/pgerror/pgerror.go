// Package pgerror builds PostgreSQL wire-level error and notice payloads.
//
// It covers both the protocol-major-3 field-tagged ErrorResponse/NoticeResponse
// form and the legacy protocol-major-2 single-string form, per the error
// model in the frontend session worker's design.
package pgerror

import (
	"fmt"

	"github.com/lib/pq"
)

// SQLSTATE codes the proxy itself raises. Backends raise their own; these
// are only for errors manufactured by the proxy before a backend is
// involved (admission control, malformed startup packets, routing failures).
const (
	CodeTooManyConnections  = "53300" // too many clients already
	CodeInvalidAuthSpec     = "28000" // invalid authorization specification
	CodeInvalidStartupSpec  = "08P01" // protocol violation
	CodeConnectionFailure   = "08006" // connection failure
	CodeConnectionException = "08000" // connection exception
	CodeInternalError       = "XX000"
	CodeAdminShutdown       = "57P01"
)

// Severity levels, per the PostgreSQL protocol field tags.
const (
	SeverityError   = "ERROR"
	SeverityFatal   = "FATAL"
	SeverityPanic   = "PANIC"
	SeverityWarning = "WARNING"
	SeverityNotice  = "NOTICE"
	SeverityLog     = "LOG"
)

// Error is a PostgreSQL-protocol error, sufficient to build either wire form.
type Error struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	File     string
	Line     int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Severity, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Severity, e.Message)
}

// New constructs a proxy-originated error with the given SQLSTATE and message.
func New(severity, code, format string, args ...interface{}) *Error {
	return &Error{
		Severity: severity,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

// TooManyConnections is the standard admission-control rejection, §4.D step 3.
func TooManyConnections() *Error {
	return New(SeverityFatal, CodeTooManyConnections, "sorry, too many clients already")
}

// MissingUser is raised when a startup packet has no "user" parameter.
func MissingUser() *Error {
	return New(SeverityFatal, CodeInvalidAuthSpec, "no PostgreSQL user name specified in startup packet")
}

// NoLiveBackend is raised when no backend is Up at startup-packet time.
func NoLiveBackend() *Error {
	return New(SeverityFatal, CodeConnectionFailure, "all backend nodes are down or quarantined")
}

// QuotedIdent safely quotes an identifier (database/user name) for inclusion
// in an error message, reusing lib/pq's wire-identical quoting rules so the
// message matches what a direct backend connection would have produced.
func QuotedIdent(s string) string {
	return pq.QuoteIdentifier(s)
}

// V3Fields renders the error as protocol-major-3 field-tag bytes, in the
// order PostgreSQL itself emits them (S, C, M, D, H, F, L, then terminator).
// The caller is responsible for wrapping this in a message-type 'E' (or 'N'
// for NoticeResponse) frame via wire.WriteMessage.
func (e *Error) V3Fields() []byte {
	var buf []byte
	appendField := func(tag byte, value string) {
		if value == "" {
			return
		}
		buf = append(buf, tag)
		buf = append(buf, value...)
		buf = append(buf, 0)
	}
	appendField('S', e.Severity)
	appendField('C', e.Code)
	appendField('M', e.Message)
	appendField('D', e.Detail)
	appendField('H', e.Hint)
	appendField('F', e.File)
	if e.Line != 0 {
		appendField('L', fmt.Sprintf("%d", e.Line))
	}
	buf = append(buf, 0)
	return buf
}

// V2Message renders the legacy protocol-major-2 single-string error form:
// "SEVERITY: message\n", no field tags.
func (e *Error) V2Message() []byte {
	s := fmt.Sprintf("%s: %s\n", e.Severity, e.Message)
	return append([]byte(s), 0)
}
