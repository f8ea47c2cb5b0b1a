// Package merrors defines the error taxonomy shared by every actor in
// mujina-miner: transport, protocol, timeout, peripheral, lifecycle and
// invariant failures. Every actor recovers what it can and wraps what it
// can't with one of these kinds so callers up the stack (and the REST
// surface) can tell failure classes apart without string matching.
package merrors

import (
	"errors"
	"fmt"
)

// Kind classifies a mujina-miner error per spec §7.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindTimeout
	KindPeripheral
	KindLifecycle
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindPeripheral:
		return "peripheral"
	case KindLifecycle:
		return "lifecycle"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and an op name so it can be
// filtered programmatically while still rendering a normal Go error string.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transport(op string, err error) error { return New(KindTransport, op, err) }
func Protocol(op string, err error) error  { return New(KindProtocol, op, err) }
func Timeout(op string, err error) error   { return New(KindTimeout, op, err) }
func Peripheral(op string, err error) error { return New(KindPeripheral, op, err) }
func Lifecycle(op string, err error) error { return New(KindLifecycle, op, err) }
func Invariant(op string, err error) error { return New(KindInvariant, op, err) }

// Is reports whether err is a *Error of the given kind, looking through
// any wrapping via errors.As.
func Is(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// Sentinel causes used across packages so callers can errors.Is() on the
// specific condition in addition to the broader Kind.
var (
	ErrBadCrc              = errors.New("bad crc")
	ErrBadPreamble         = errors.New("bad preamble")
	ErrBadLength           = errors.New("bad length")
	ErrUnknownResponseType = errors.New("unknown response type")
	ErrResponseIDMismatch  = errors.New("response id mismatch")
	ErrLockTimeout         = errors.New("lock acquisition timed out")
	ErrWriteTimeout        = errors.New("write timed out")
	ErrReadTimeout         = errors.New("read timed out")
	ErrOuterTimeout        = errors.New("outer call timed out")
	ErrVoltageOutOfRange   = errors.New("voltage out of range")
	ErrUnknownChipCount    = errors.New("unknown chip count for NONCE_RANGE lookup")
	ErrUnsupportedBoard    = errors.New("board kind does not support this operation")
	ErrJobTableFull        = errors.New("no free job-id slot")
)
