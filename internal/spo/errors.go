package spo

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure of a SharePoint operation.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindNetwork
	KindProtocol
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrValidation = errors.New("invalid input")
	ErrAuth       = errors.New("authentication failed")
	ErrNetwork    = errors.New("network error")
	ErrProtocol   = errors.New("unexpected response")
	ErrRemote     = errors.New("remote operation failed")
	ErrNotFound   = errors.New("not found")
)

var kindSentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindAuth:       ErrAuth,
	KindNetwork:    ErrNetwork,
	KindProtocol:   ErrProtocol,
	KindRemote:     ErrRemote,
}

// AccessDeniedHint is attached to remote errors that mention "Access denied.".
// The server reports the same message for a wrong app catalog URL and for a
// real permission problem.
const AccessDeniedHint = "Check that --appCatalogUrl points to the tenant app catalog site; an access denied response usually means the URL is wrong"

// Error is returned by every operation in this package.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "contextinfo" or "ProcessQuery".
	Op         string
	StatusCode int
	// Message is shown to the user as is. For KindRemote it is the server's
	// ErrorMessage verbatim.
	Message string
	Hints   []string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	switch {
	case e.Message != "":
		sb.WriteString(e.Message)
	case e.Err != nil:
		sb.WriteString(e.Err.Error())
	default:
		sb.WriteString(kindSentinels[e.Kind].Error())
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.StatusCode)
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's Kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Detail returns the message followed by the hints, one per line.
func (e *Error) Detail() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	for _, h := range e.Hints {
		sb.WriteString("\n  - ")
		sb.WriteString(h)
	}
	return sb.String()
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
