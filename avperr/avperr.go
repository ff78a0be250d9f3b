// Package avperr defines the tagged error taxonomy shared by every demuxer,
// muxer, and codec-data extractor in avpack.
//
// Callers discriminate on kind with errors.Is against Sentinel(kind), or
// with Is; the library never swallows a semantic error silently. Wrapping
// preserves the underlying cause so %w chains still work with errors.Is/As.
package avperr

import (
	"errors"
	"fmt"
)

// Kind tags the taxonomy of errors the core can surface at its boundary.
type Kind int

const (
	// IO indicates a Source read/size failure or a Target write/flush failure.
	IO Kind = iota
	// InvalidFormat indicates a magic-number mismatch, an oversize or negative
	// length, a truncated header, a bad CRC, or unresolved EBML/ISOBMFF structure.
	InvalidFormat
	// UnsupportedCodec indicates a known but unimplemented codec id/fourcc/format-tag.
	UnsupportedCodec
	// Encoding indicates a muxer-side precondition breach.
	Encoding
	// Disposed indicates a call on a demuxer whose source has been closed.
	Disposed
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IoError"
	case InvalidFormat:
		return "InvalidFormatError"
	case UnsupportedCodec:
		return "UnsupportedCodecError"
	case Encoding:
		return "EncodingError"
	case Disposed:
		return "DisposedError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type carrying a Kind plus a wrapped cause.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised the error, e.g. "matroska.parseCluster"
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, avperr.Sentinel(avperr.IO)) (etc.) work by
// comparing this error's Kind against the Kind carried by a Sentinel target.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

// kindSentinel lets a bare Kind act as a comparison target for errors.Is.
type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return k.kind.String() }

// Sentinel returns a comparable error value for a Kind, for use with errors.Is:
//
//	if errors.Is(err, avperr.Sentinel(avperr.InvalidFormat)) { ... }
func Sentinel(k Kind) error { return &kindSentinel{kind: k} }

// New builds a tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IOf builds an IO error with a formatted message.
func IOf(op, format string, args ...any) error {
	return New(IO, op, fmt.Errorf(format, args...))
}

// InvalidFormatf builds an InvalidFormat error with a formatted message.
func InvalidFormatf(op, format string, args ...any) error {
	return New(InvalidFormat, op, fmt.Errorf(format, args...))
}

// UnsupportedCodecf builds an UnsupportedCodec error with a formatted message.
func UnsupportedCodecf(op, format string, args ...any) error {
	return New(UnsupportedCodec, op, fmt.Errorf(format, args...))
}

// Encodingf builds an Encoding error with a formatted message.
func Encodingf(op, format string, args ...any) error {
	return New(Encoding, op, fmt.Errorf(format, args...))
}

// Disposedf builds a Disposed error with a formatted message.
func Disposedf(op, format string, args ...any) error {
	return New(Disposed, op, fmt.Errorf(format, args...))
}

// Is reports whether the first *Error found in err's chain has the given
// Kind; further *Error values wrapped beneath it are not examined.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
