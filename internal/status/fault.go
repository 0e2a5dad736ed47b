package status

import (
	"errors"
	"io/fs"
)

// Fault marks an unrecoverable runtime failure. A status carrying a Fault is
// never retried.
type Fault struct {
	Err error
}

func (f *Fault) Error() string {
	return "unrecoverable fault: " + f.Err.Error()
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err as a Fault.
func NewFault(err error) error {
	return &Fault{Err: err}
}

// CarriesFault reports whether s or any of its children carries a Fault.
func CarriesFault(s *Status) bool {
	if s == nil {
		return false
	}
	var f *Fault
	if s.Err != nil && errors.As(s.Err, &f) {
		return true
	}
	for _, c := range s.Children {
		if CarriesFault(c) {
			return true
		}
	}
	return false
}

// notFounder is implemented by transport errors that describe a missing
// resource.
type notFounder interface {
	NotFound() bool
}

func isNotFoundErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var nf notFounder
	return errors.As(err, &nf) && nf.NotFound()
}

// IsNotFound reports whether s describes a missing resource, either by code
// or by the error it carries.
func IsNotFound(s *Status) bool {
	return s != nil && s.Severity == Error && (s.Code == CodeNotFound || isNotFoundErr(s.Err))
}
