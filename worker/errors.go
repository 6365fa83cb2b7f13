package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/source"
)

// ErrTerminated is returned by work that observes its task was terminated.
var ErrTerminated = errors.New("worker task was terminated")

// ErrAborted is the caller-side form of a terminated or cancelled task.
var ErrAborted = errors.New("worker aborted the request")

// Wire error names.
const (
	NamePassword           = "PasswordException"
	NameInvalidPDF         = "InvalidPDFException"
	NameMissingPDF         = "MissingPDFException"
	NameUnexpectedResponse = "UnexpectedResponseException"
	NameAbort              = "AbortException"
	NameUnknown            = "UnknownErrorException"
)

// FeatureUnknown is the feature id reported for page failures with no
// better classification.
const FeatureUnknown = "unknown"

// UnsupportedFeature reports content the worker skipped.
type UnsupportedFeature struct {
	FeatureID string
	Err       error
}

func (e *UnsupportedFeature) Error() string {
	if e.Err == nil {
		return "unsupported feature: " + e.FeatureID
	}
	return fmt.Sprintf("unsupported feature %s: %v", e.FeatureID, e.Err)
}

func (e *UnsupportedFeature) Unwrap() error { return e.Err }

// WireError is an error as it travels between the worker and the caller.
type WireError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (e *WireError) Error() string {
	return e.Name + ": " + e.Message
}

// ToWire classifies err for transmission.
func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	var (
		we  *WireError
		pe  *core.PasswordError
		ipe *core.InvalidPDFError
		mpe *source.MissingPDFError
		ure *source.UnexpectedResponseError
		uf  *UnsupportedFeature
	)
	switch {
	case errors.As(err, &we):
		return we
	case errors.As(err, &pe):
		return &WireError{Name: NamePassword, Message: pe.Error(), Code: int(pe.Code)}
	case errors.As(err, &ipe):
		return &WireError{Name: NameInvalidPDF, Message: ipe.Msg}
	case errors.As(err, &mpe):
		return &WireError{Name: NameMissingPDF, Message: mpe.Error(), Details: mpe.URL}
	case errors.As(err, &ure):
		return &WireError{Name: NameUnexpectedResponse, Message: ure.Error(), Code: ure.Status, Details: ure.URL}
	case errors.Is(err, ErrTerminated), errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return &WireError{Name: NameAbort, Message: err.Error()}
	case errors.As(err, &uf):
		return &WireError{Name: NameUnknown, Message: uf.Error(), Details: uf.FeatureID}
	}
	return &WireError{Name: NameUnknown, Message: err.Error(), Details: fmt.Sprintf("%T", err)}
}

// Err rebuilds the typed error the wire form stands for. Unknown errors
// are returned as the *WireError itself.
func (e *WireError) Err() error {
	if e == nil {
		return nil
	}
	switch e.Name {
	case NamePassword:
		return &core.PasswordError{Code: core.PasswordCode(e.Code)}
	case NameInvalidPDF:
		return &core.InvalidPDFError{Msg: e.Message}
	case NameMissingPDF:
		return &source.MissingPDFError{URL: e.Details}
	case NameUnexpectedResponse:
		return &source.UnexpectedResponseError{URL: e.Details, Status: e.Code}
	case NameAbort:
		return fmt.Errorf("%w: %s", ErrAborted, e.Message)
	}
	return e
}
