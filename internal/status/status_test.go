package status

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiSeverityIsMaxOfChildren(t *testing.T) {
	m := NewMulti(CodeNone, "batch")
	assert.True(t, m.IsOK())

	m.Add(Success())
	m.Add(Warnf("slow"))
	assert.Equal(t, Warning, m.Severity)

	m.Add(Errorf(errors.New("boom"), "failed"))
	assert.Equal(t, Error, m.Severity)
	assert.Len(t, m.Children, 3)

	m.Add(nil)
	assert.Len(t, m.Children, 3)
}

func TestRetryStatus(t *testing.T) {
	cause := errors.New("connection reset")
	r := Retry("try another source", Errorf(cause, "download failed"))

	assert.True(t, r.IsRetry())
	assert.True(t, r.IsMulti())
	assert.Equal(t, OutcomeRetryable, r.Outcome())
	assert.ErrorIs(t, r.Err, cause)

	plain := Errorf(cause, "download failed")
	assert.False(t, plain.IsRetry())
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		st   *Status
		want Outcome
	}{
		{"ok", Success(), OutcomeOK},
		{"info", Infof(CodeAlreadyPresent, "present"), OutcomeOK},
		{"warning", Warnf("careful"), OutcomeOK},
		{"cancel", Canceled(), OutcomeCancelled},
		{"not found code", NotFound(nil, "missing"), OutcomeNotFound},
		{"not found error", Errorf(fmt.Errorf("open: %w", fs.ErrNotExist), "missing"), OutcomeNotFound},
		{"auth", New(Error, CodeAuthRequired, "login", nil), OutcomeAuthRequired},
		{"plain error", Errorf(errors.New("x"), "x"), OutcomeFailed},
		{"fault", Errorf(NewFault(errors.New("disk gone")), "x"), OutcomeFatal},
		{"retry with fault child", Retry("again", Errorf(NewFault(errors.New("oom")), "x")), OutcomeFatal},
		{"nil", nil, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.st.Outcome())
		})
	}
}

func TestDeepestCauseSkipsAggregates(t *testing.T) {
	root := errors.New("socket timeout")
	inner := NewMulti(CodeNone, "inner")
	inner.Add(Warnf("no error here"))
	inner.Add(Errorf(root, "read failed"))

	outer := NewMulti(CodeRetry, "outer")
	outer.Err = errors.New("aggregate error")
	outer.Add(inner)

	cause := DeepestCause(outer)
	require.NotNil(t, cause)
	assert.Equal(t, root, cause.Err)

	empty := NewMulti(CodeNone, "nothing")
	empty.Add(Success())
	assert.Nil(t, DeepestCause(empty))
	assert.Nil(t, DeepestCauseErr(nil))
}

func TestAsError(t *testing.T) {
	assert.NoError(t, Success().AsError())
	assert.NoError(t, Warnf("x").AsError())

	cause := errors.New("refused")
	err := Errorf(cause, "fetch failed").AsError()
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)

	m := Merge(CodeNone, "all sources failed",
		Errorf(errors.New("a"), "first"),
		Errorf(errors.New("b"), "second"),
	)
	err = m.AsError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
}

func TestStringNestsChildren(t *testing.T) {
	m := Merge(CodeRetry, "parent", Errorf(errors.New("x"), "child"))
	m.Severity = Error
	s := m.String()
	assert.Contains(t, s, "error[13]: parent")
	assert.Contains(t, s, "\n  error: child (x)")
}
