package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(Validation, "unknown feature key")
	assert.Equal(t, "validation: unknown feature key", e.Error())
	assert.Nil(t, e.Unwrap())

	cause := errors.New("boom")
	wrapped := Wrap(Disconnected, "agent process exited", cause)
	assert.Equal(t, "disconnected: agent process exited: boom", wrapped.Error())
	require.Equal(t, cause, wrapped.Unwrap())
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := New(Busy, "doc-chat already running")
	wrapped := fErrorf(base)

	assert.True(t, Is(wrapped, Busy))
	assert.False(t, Is(wrapped, Fatal))
	assert.False(t, Is(errors.New("plain"), Busy))
}

// fErrorf mimics a caller re-wrapping an *Error with fmt.Errorf("%w", ...).
func fErrorf(err error) error {
	return wrapStd(err)
}

type stdWrap struct{ err error }

func (w stdWrap) Error() string { return "context: " + w.err.Error() }
func (w stdWrap) Unwrap() error { return w.err }

func wrapStd(err error) error { return stdWrap{err: err} }

func TestKindStringUnknown(t *testing.T) {
	var k Kind = 99
	assert.Equal(t, "unknown", k.String())
}
