package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDecode    Phase = "decode"    // raw bytes to instructions
	PhaseEncode    Phase = "encode"    // instructions to raw bytes
	PhaseTransform Phase = "transform" // transpiler passes
	PhaseSynthesis Phase = "synthesis" // weaving hooks into a body
	PhaseSchedule  Phase = "schedule"  // hook ordering
	PhaseDetour    Phase = "detour"    // replacement definition and installation
	PhaseRegistry  Phase = "registry"  // patch bookkeeping
	PhaseExecute   Phase = "execute"   // reference interpreter
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidData       Kind = "invalid_data"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindUnsupported       Kind = "unsupported"
	KindUnknownOpcode     Kind = "unknown_opcode"
	KindTruncated         Kind = "truncated"
	KindBadBranch         Kind = "bad_branch"
	KindUnresolvedToken   Kind = "unresolved_token"
	KindBadRegion         Kind = "bad_region"
	KindTypeMismatch      Kind = "type_mismatch"
	KindUnresolvedParam   Kind = "unresolved_parameter"
	KindBadSignature      Kind = "bad_signature"
	KindPassFailed        Kind = "pass_failed"
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
	KindInstall           Kind = "install"
	KindStackUnderflow    Kind = "stack_underflow"
	KindNilPointer        Kind = "nil_pointer"
	KindUnhandled         Kind = "unhandled_exception"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Method string
	Hook   string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Method != "" || e.Hook != "" {
		b.WriteString(": ")
		if e.Method != "" && e.Hook != "" {
			b.WriteString("method ")
			b.WriteString(e.Method)
			b.WriteString(", hook ")
			b.WriteString(e.Hook)
		} else if e.Method != "" {
			b.WriteString("method ")
			b.WriteString(e.Method)
		} else {
			b.WriteString("hook ")
			b.WriteString(e.Hook)
		}
	}

	if e.Detail != "" {
		if e.Method != "" || e.Hook != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Kind matches every error of the same phase.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if e.Phase != t.Phase {
			return false
		}
		return t.Kind == "" || e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path, e.g. hook kind and parameter name
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Method sets the intercepted method name
func (b *Builder) Method(name string) *Builder {
	b.err.Method = name
	return b
}

// Hook sets the offending hook name
func (b *Builder) Hook(name string) *Builder {
	b.err.Hook = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Phase sentinels for errors.Is checks that only care where an error came from.
var (
	ErrDecode    = &Error{Phase: PhaseDecode}
	ErrEncode    = &Error{Phase: PhaseEncode}
	ErrTransform = &Error{Phase: PhaseTransform}
	ErrSynthesis = &Error{Phase: PhaseSynthesis}
	ErrDetour    = &Error{Phase: PhaseDetour}
	ErrRegistry  = &Error{Phase: PhaseRegistry}
	ErrExecute   = &Error{Phase: PhaseExecute}
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Decoder convenience constructors

// UnknownOpcode creates an unknown opcode error
func UnknownOpcode(offset int, code uint16) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindUnknownOpcode,
		Detail: fmt.Sprintf("unknown opcode 0x%02x at offset %d", code, offset),
		Value:  code,
	}
}

// Truncated creates an error for an operand running past the end of the stream
func Truncated(offset int, want, have int) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindTruncated,
		Detail: fmt.Sprintf("operand at offset %d needs %d bytes, %d left", offset, want, have),
		Value:  offset,
	}
}

// BadBranch creates an error for a branch target that is not an instruction boundary
func BadBranch(phase Phase, from, target int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindBadBranch,
		Detail: fmt.Sprintf("branch at offset %d targets %d which is not an instruction boundary", from, target),
		Value:  target,
	}
}

// UnresolvedToken creates a metadata token resolution error
func UnresolvedToken(token uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindUnresolvedToken,
		Detail: fmt.Sprintf("token 0x%08x", token),
		Value:  token,
		Cause:  cause,
	}
}

// BadRegion creates an exception region structure error
func BadRegion(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindBadRegion,
		Detail: detail,
	}
}

// Synthesis convenience constructors

// UnresolvedParameter creates an error for a hook parameter that matches no binding
func UnresolvedParameter(method, hook, param string) *Error {
	return &Error{
		Phase:  PhaseSynthesis,
		Kind:   KindUnresolvedParam,
		Method: method,
		Hook:   hook,
		Path:   []string{param},
		Detail: fmt.Sprintf("parameter %q does not match any argument, field or reserved name", param),
	}
}

// BadSignature creates an error for a hook whose signature cannot be woven
func BadSignature(method, hook, detail string) *Error {
	return &Error{
		Phase:  PhaseSynthesis,
		Kind:   KindBadSignature,
		Method: method,
		Hook:   hook,
		Detail: detail,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, have, want string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		Detail: fmt.Sprintf("%s is not convertible to %s", have, want),
	}
}

// Generic constructors

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// PassFailed wraps an error or panic raised by a transpiler pass
func PassFailed(pass string, cause error) *Error {
	return &Error{
		Phase:  PhaseTransform,
		Kind:   KindPassFailed,
		Hook:   pass,
		Detail: "pass failed",
		Cause:  cause,
	}
}

// Install wraps a detour applier failure
func Install(method string, cause error) *Error {
	return &Error{
		Phase:  PhaseDetour,
		Kind:   KindInstall,
		Method: method,
		Detail: "install detour",
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// UnresolvedParamsError collects every hook parameter that failed to bind
// during one synthesis so callers can report them together.
type UnresolvedParamsError struct {
	Method string
	Params []UnresolvedParam
}

// UnresolvedParam is a single hook parameter that matched no binding.
type UnresolvedParam struct {
	Hook  string
	Param string
}

func (e *UnresolvedParamsError) Error() string {
	if len(e.Params) == 0 {
		return "[synthesis] unresolved_parameter: no parameters specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved hook parameter(s) for %s:\n", len(e.Params), e.Method)

	byHook := make(map[string][]string)
	var order []string
	for _, p := range e.Params {
		if _, exists := byHook[p.Hook]; !exists {
			order = append(order, p.Hook)
		}
		byHook[p.Hook] = append(byHook[p.Hook], p.Param)
	}

	for _, h := range order {
		b.WriteString("\n  ")
		b.WriteString(h)
		b.WriteString(":\n")
		for _, p := range byHook[h] {
			b.WriteString("    - ")
			b.WriteString(p)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type or the synthesis phase.
func (e *UnresolvedParamsError) Is(target error) bool {
	switch t := target.(type) {
	case *UnresolvedParamsError:
		return true
	case *Error:
		return t.Phase == PhaseSynthesis && (t.Kind == "" || t.Kind == KindUnresolvedParam)
	}
	return false
}
