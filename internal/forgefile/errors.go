package forgefile

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDirective = errors.New("unknown directive")
	ErrArityMismatch    = errors.New("wrong number of arguments")
	ErrMissingBase      = errors.New("missing FROM")
	ErrDuplicateBase    = errors.New("multiple FROM directives")
	ErrMalformed        = errors.New("malformed arguments")
)

// ParseError reports a Forgefile syntax failure. Kind is one of the Err*
// sentinels above, so callers can use errors.Is.
type ParseError struct {
	Kind error
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Kind.Error()
	if e.Line > 0 {
		prefix = fmt.Sprintf("line %d: %s", e.Line, prefix)
	}
	if e.Msg == "" {
		return prefix
	}
	return prefix + ": " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Kind }

func parseErrorf(kind error, line int, format string, args ...any) error {
	return &ParseError{Kind: kind, Line: line, Msg: fmt.Sprintf(format, args...)}
}
