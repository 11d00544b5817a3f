package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable discriminant callers switch on. The wrapped cause
// is kept for diagnostics only.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAccountDecode
	KindRPC
	KindSigner
	KindCompile
	KindBudget
	KindParse
	KindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindAccountDecode:
		return "account_decode"
	case KindRPC:
		return "rpc"
	case KindSigner:
		return "signer"
	case KindCompile:
		return "compile"
	case KindBudget:
		return "budget"
	case KindParse:
		return "parse"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type Error struct {
	kind  ErrorKind
	msg   string
	cause error
}

func NewError(kind ErrorKind, format string, v ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, v...)}
}

func WrapError(kind ErrorKind, cause error, format string, v ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, v...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.msg)
	}

	return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
}

func (e *Error) Kind() ErrorKind {
	return e.kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf reports the kind of the first *Error in err's chain, KindUnknown if
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}

	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
