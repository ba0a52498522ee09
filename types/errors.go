package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a command failure. Only Conflict and Transient are safe to
// retry; Invariant halts further automatic writes to the affected group.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPrecondition
	KindConflict
	KindInvariant
	KindExternal
	KindTransient
	KindNotFound
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	case KindExternal:
		return "external"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	}
	return "internal"
}

// Retryable reports whether operations failing with this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindConflict || k == KindTransient
}

// Fault is a classified error. Code is a stable machine code; Vars carry the
// structured variables a notification templater needs. The core never
// formats user-facing text itself.
type Fault struct {
	Kind Kind
	Code string
	Vars map[string]string
	err  error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Code, f.err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Code)
}

// Unwrap returns the wrapped cause, if any.
func (f *Fault) Unwrap() error {
	return f.err
}

// WithVar attaches a structured variable and returns the fault.
func (f *Fault) WithVar(k, v string) *Fault {
	if f.Vars == nil {
		f.Vars = make(map[string]string)
	}
	f.Vars[k] = v
	return f
}

// NewFault builds a classified error with a stable code.
func NewFault(kind Kind, code string) *Fault {
	return &Fault{Kind: kind, Code: code}
}

// WrapFault classifies an underlying error.
func WrapFault(kind Kind, code string, err error) *Fault {
	return &Fault{Kind: kind, Code: code, err: err}
}

// FaultKind extracts the kind of err, or KindUnknown if err carries none.
func FaultKind(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsConflict reports whether err is a retryable concurrency failure.
func IsConflict(err error) bool {
	return FaultKind(err) == KindConflict
}
