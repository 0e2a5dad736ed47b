package status

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Severity orders transfer results from harmless to terminal.
type Severity int

const (
	OK Severity = iota
	Info
	Warning
	Error
	Cancel
)

func (s Severity) String() string {
	switch s {
	case OK:
		return "ok"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Code refines a severity. Only CodeRetry changes control flow: it marks an
// error that another source (mirror, composite child) may still satisfy.
type Code int

const (
	CodeNone           Code = 0
	CodeRetry          Code = 13
	CodeNotFound       Code = 1201
	CodeAlreadyPresent Code = 1202
	CodeAuthRequired   Code = 1204
	CodeChecksum       Code = 1210
)

// Outcome is the closed set of results callers switch on.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeAuthRequired
	OutcomeRetryable
	OutcomeFailed
	OutcomeFatal
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeAuthRequired:
		return "auth_required"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFailed:
		return "failed"
	case OutcomeFatal:
		return "fatal"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Status is the result of a transfer or repository operation. A Status with
// children is a multi status whose severity is the maximum of its children
// (and its own, if set higher).
type Status struct {
	Severity Severity
	Code     Code
	Message  string
	Err      error
	Children []*Status

	// BytesPerSecond is the measured transfer rate; zero when not measured.
	BytesPerSecond int64

	multi bool
}

// New builds a single status.
func New(sev Severity, code Code, msg string, err error) *Status {
	return &Status{Severity: sev, Code: code, Message: msg, Err: err}
}

// Success returns a fresh OK status.
func Success() *Status {
	return &Status{Severity: OK, Message: "ok"}
}

// Transferred returns an OK status carrying the observed transfer rate.
func Transferred(bytesPerSecond int64) *Status {
	return &Status{Severity: OK, Message: "ok", BytesPerSecond: bytesPerSecond}
}

// Infof returns an informational status.
func Infof(code Code, format string, args ...any) *Status {
	return &Status{Severity: Info, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Warnf returns a warning status.
func Warnf(format string, args ...any) *Status {
	return &Status{Severity: Warning, Message: fmt.Sprintf(format, args...)}
}

// Errorf returns an error status with the given cause.
func Errorf(err error, format string, args ...any) *Status {
	return &Status{Severity: Error, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound returns an error status coded CodeNotFound.
func NotFound(err error, format string, args ...any) *Status {
	return &Status{Severity: Error, Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Err: err}
}

// Retry wraps the given failures in a multi status coded CodeRetry.
func Retry(msg string, causes ...*Status) *Status {
	m := NewMulti(CodeRetry, msg)
	m.Severity = Error
	for _, c := range causes {
		m.Add(c)
	}
	if len(causes) > 0 {
		m.Err = DeepestCauseErr(m)
	}
	return m
}

// Canceled returns a fresh cancel status.
func Canceled() *Status {
	return &Status{Severity: Cancel, Message: "operation canceled"}
}

// FromContext returns a cancel status if ctx is done, nil otherwise.
func FromContext(ctxErr error) *Status {
	if ctxErr == nil {
		return nil
	}
	st := Canceled()
	st.Err = ctxErr
	return st
}

// NewMulti returns an empty multi status. Its severity starts at OK and rises
// as children are added.
func NewMulti(code Code, msg string) *Status {
	return &Status{Severity: OK, Code: code, Message: msg, multi: true}
}

// Merge returns a multi status holding all given statuses.
func Merge(code Code, msg string, children ...*Status) *Status {
	m := NewMulti(code, msg)
	for _, c := range children {
		m.Add(c)
	}
	return m
}

// Add appends child and raises the multi status severity to match.
func (s *Status) Add(child *Status) {
	if child == nil {
		return
	}
	s.multi = true
	s.Children = append(s.Children, child)
	if child.Severity > s.Severity {
		s.Severity = child.Severity
	}
}

// IsMulti reports whether s aggregates children.
func (s *Status) IsMulti() bool {
	return s.multi || len(s.Children) > 0
}

// IsOK reports a plain success.
func (s *Status) IsOK() bool {
	return s != nil && s.Severity == OK
}

// IsRetry reports an error coded CodeRetry.
func (s *Status) IsRetry() bool {
	return s != nil && s.Severity == Error && s.Code == CodeRetry
}

// Matches reports whether the severity is one of sevs.
func (s *Status) Matches(sevs ...Severity) bool {
	for _, sev := range sevs {
		if s.Severity == sev {
			return true
		}
	}
	return false
}

// Outcome classifies s.
func (s *Status) Outcome() Outcome {
	switch {
	case s == nil:
		return OutcomeFailed
	case s.Severity == Cancel:
		return OutcomeCancelled
	case s.Severity < Error:
		return OutcomeOK
	case CarriesFault(s):
		return OutcomeFatal
	case s.Code == CodeRetry:
		return OutcomeRetryable
	case s.Code == CodeNotFound || isNotFoundErr(s.Err):
		return OutcomeNotFound
	case s.Code == CodeAuthRequired:
		return OutcomeAuthRequired
	default:
		return OutcomeFailed
	}
}

// AsError converts a failed status to an error; OK, Info and Warning yield nil.
func (s *Status) AsError() error {
	if s == nil || s.Severity < Error {
		return nil
	}
	if !s.IsMulti() {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", s.Message, s.Err)
		}
		return errors.New(s.Message)
	}
	var result *multierror.Error
	for _, c := range s.Children {
		if err := c.AsError(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return errors.New(s.Message)
	}
	return fmt.Errorf("%s: %w", s.Message, result.ErrorOrNil())
}

func (s *Status) String() string {
	if s == nil {
		return "<nil>"
	}
	var b strings.Builder
	s.write(&b, 0)
	return b.String()
}

func (s *Status) write(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(b, "%s", s.Severity)
	if s.Code != CodeNone {
		fmt.Fprintf(b, "[%d]", s.Code)
	}
	fmt.Fprintf(b, ": %s", s.Message)
	if s.Err != nil && !s.IsMulti() {
		fmt.Fprintf(b, " (%v)", s.Err)
	}
	for _, c := range s.Children {
		b.WriteByte('\n')
		c.write(b, depth+1)
	}
}

// DeepestCause walks s depth-first and returns the first non-aggregating
// status that carries an error, or nil.
func DeepestCause(s *Status) *Status {
	if s == nil {
		return nil
	}
	if !s.IsMulti() {
		return withErr(s)
	}
	for _, c := range s.Children {
		if deeper := DeepestCause(c); deeper != nil {
			return deeper
		}
	}
	return withErr(s)
}

// DeepestCauseErr is DeepestCause(s).Err, or nil.
func DeepestCauseErr(s *Status) error {
	if root := DeepestCause(s); root != nil {
		return root.Err
	}
	return nil
}

func withErr(s *Status) *Status {
	if s.Err == nil {
		return nil
	}
	return s
}
