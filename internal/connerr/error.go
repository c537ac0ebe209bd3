// Package connerr defines the closed error-kind enumeration used
// throughout the connection driver and its policies, replacing the
// single dynamic error container the Rust source used (failure::Error)
// per the rewrite's error-type-erasure design note: a closed Kind
// enumeration, with foreign errors wrapped only at the boundary where
// they're produced (an I/O error from the socket, a YAML parse error
// from config, an application handler's returned error).
package connerr

import (
	"errors"
	"fmt"
)

// Kind enumerates every terminal or per-request error condition
// defined in spec.md §7.
type Kind int

const (
	KindTCPStreamClosed Kind = iota
	KindConnectionClosed
	KindConnectionCloseRequested
	KindInvalidOpcode
	KindUnsupportedVersion
	KindNoCommonEncoding
	KindInvalidEncoding
	KindInvalidCompression
	KindInvalidUpgradeFrame
	KindInvalidPayload
	KindFrameTooLarge
	KindPingTimeout
	KindToldToGoAway
	KindRequestTimeout
	KindNotReady
	KindNoClientEncoding
	KindInternalServerError
)

func (k Kind) String() string {
	switch k {
	case KindTCPStreamClosed:
		return "TCPStreamClosed"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindConnectionCloseRequested:
		return "ConnectionCloseRequested"
	case KindInvalidOpcode:
		return "InvalidOpcode"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindNoCommonEncoding:
		return "NoCommonEncoding"
	case KindInvalidEncoding:
		return "InvalidEncoding"
	case KindInvalidCompression:
		return "InvalidCompression"
	case KindInvalidUpgradeFrame:
		return "InvalidUpgradeFrame"
	case KindInvalidPayload:
		return "InvalidPayload"
	case KindFrameTooLarge:
		return "FrameTooLarge"
	case KindPingTimeout:
		return "PingTimeout"
	case KindToldToGoAway:
		return "ToldToGoAway"
	case KindRequestTimeout:
		return "RequestTimeout"
	case KindNotReady:
		return "NotReady"
	case KindNoClientEncoding:
		return "NoClientEncoding"
	case KindInternalServerError:
		return "InternalServerError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// GoAway codes, spec.md §6.
const (
	GoAwayNormal              uint16 = 0
	GoAwayInvalidOpcode       uint16 = 1
	GoAwayUnsupportedVersion  uint16 = 2
	GoAwayNoCommonEncoding    uint16 = 3
	GoAwayInvalidEncoding     uint16 = 4
	GoAwayInvalidCompression  uint16 = 5
	GoAwayPingTimeout         uint16 = 6
	GoAwayInternalServerError uint16 = 7
)

// goAwayCodes maps a terminal Kind to the GoAway code sent (when
// SEND_GO_AWAY applies) before closing. Kinds absent from this map
// never produce a GoAway frame (spec.md §7: peer-initiated ToldToGoAway
// never replies with another GoAway; transport errors close silently).
var goAwayCodes = map[Kind]uint16{
	KindConnectionCloseRequested: GoAwayNormal,
	KindInvalidOpcode:            GoAwayInvalidOpcode,
	KindUnsupportedVersion:       GoAwayUnsupportedVersion,
	KindNoCommonEncoding:         GoAwayNoCommonEncoding,
	KindInvalidEncoding:          GoAwayInvalidEncoding,
	KindInvalidCompression:       GoAwayInvalidCompression,
	KindPingTimeout:              GoAwayPingTimeout,
	KindInternalServerError:      GoAwayInternalServerError,
}

// Error is the concrete error type produced by this module. Compare
// against a Kind with KindOf (or errors.As), or with errors.Is against
// a value from the Kind-specific constructors below.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, wrapped error) *Error {
	return &Error{Kind: kind, Message: wrapped.Error(), Wrapped: wrapped}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// GoAwayCode returns the GoAway code this error maps to and whether a
// GoAway frame should be sent for it at all.
func (e *Error) GoAwayCode() (uint16, bool) {
	code, ok := goAwayCodes[e.Kind]
	return code, ok
}

// Is reports whether target is (or wraps) a *Error of the same Kind,
// so `errors.Is(err, connerr.PingTimeout())` matches any PingTimeout
// error regardless of its message.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err is not
// (or does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Convenience constructors for the most common terminal kinds.

func ConnectionClosed() *Error          { return New(KindConnectionClosed, "connection closed") }
func ConnectionCloseRequested() *Error  { return New(KindConnectionCloseRequested, "close requested") }
func TCPStreamClosed() *Error           { return New(KindTCPStreamClosed, "tcp stream closed") }
func PingTimeout() *Error               { return New(KindPingTimeout, "ping timeout") }
func NotReady() *Error                  { return New(KindNotReady, "connection not ready") }
func RequestTimeout() *Error            { return New(KindRequestTimeout, "request timed out") }
func NoClientEncoding() *Error          { return New(KindNoClientEncoding, "no negotiated encoding") }
func NoCommonEncoding() *Error          { return New(KindNoCommonEncoding, "no common encoding") }

func UnsupportedVersion(expected, actual uint8) *Error {
	return New(KindUnsupportedVersion, fmt.Sprintf("expected=%d actual=%d", expected, actual))
}

func InvalidOpcode(actual uint8) *Error {
	return New(KindInvalidOpcode, fmt.Sprintf("actual=%d", actual))
}

func ToldToGoAway(code uint16, payload []byte) *Error {
	return New(KindToldToGoAway, fmt.Sprintf("code=%d payload=%q", code, payload))
}

func InternalServerError(err error) *Error {
	return Wrap(KindInternalServerError, err)
}
