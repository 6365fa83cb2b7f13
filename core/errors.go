package core

import (
	"errors"
	"fmt"
)

// MissingDataError reports that bytes [Begin, End) are not loaded yet. It is
// retryable: load the range and repeat the operation.
type MissingDataError struct {
	Begin int64
	End   int64
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing data [%d, %d)", e.Begin, e.End)
}

// XRefEntryError reports a reference the cross-reference index cannot map
// to a valid object.
type XRefEntryError struct {
	Ref    IndirectRef
	Reason string
}

func (e *XRefEntryError) Error() string {
	return fmt.Sprintf("bad xref entry for %s: %s", e.Ref, e.Reason)
}

// XRefParseError reports that the trailer chain cannot be trusted and the
// document must be re-indexed.
type XRefParseError struct {
	Offset int64
	Err    error
}

func (e *XRefParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("xref parse failed at offset %d", e.Offset)
	}
	return fmt.Sprintf("xref parse failed at offset %d: %v", e.Offset, e.Err)
}

func (e *XRefParseError) Unwrap() error { return e.Err }

// FormatError reports structurally invalid syntax or object graphs.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return "format error: " + e.Msg }

// Formatf builds a *FormatError.
func Formatf(format string, args ...interface{}) error {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidPDFError is the terminal "this is not a usable PDF" outcome.
type InvalidPDFError struct {
	Msg string
}

func (e *InvalidPDFError) Error() string { return "invalid PDF: " + e.Msg }

// PasswordCode distinguishes a missing credential from a wrong one.
type PasswordCode int

const (
	NeedPassword      PasswordCode = 1
	IncorrectPassword PasswordCode = 2
)

// PasswordError suspends a load until a credential is supplied.
type PasswordError struct {
	Code PasswordCode
}

func (e *PasswordError) Error() string {
	if e.Code == IncorrectPassword {
		return "incorrect password"
	}
	return "no password given"
}

// ErrUnsupportedEncryption is returned for security handlers that cannot be
// read.
var ErrUnsupportedEncryption = errors.New("unsupported encryption")

// MissingRange extracts the range from a MissingDataError anywhere in err's
// chain.
func MissingRange(err error) (*MissingDataError, bool) {
	var mde *MissingDataError
	if errors.As(err, &mde) {
		return mde, true
	}
	return nil, false
}

// IsMissingData reports whether err is retryable missing data.
func IsMissingData(err error) bool {
	_, ok := MissingRange(err)
	return ok
}
