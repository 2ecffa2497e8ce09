package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeQueryFailed, "query failed")
	assert.Equal(t, "QUERY_FAILED: query failed", err.Error())

	wrapped := Wrap(fmt.Errorf("connection reset"), CodeConnectionFailed, "database unreachable")
	assert.Contains(t, wrapped.Error(), "CONNECTION_FAILED")
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "should be nil"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "should be %s", "nil"))
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(cause, CodeQueryFailed, "outer")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsByCode(t *testing.T) {
	err := Wrap(fmt.Errorf("timeout"), CodePoolExhausted, "no connections")
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	assert.False(t, errors.Is(err, ErrQueryTimeout))
}

func TestCodePredicates(t *testing.T) {
	assert.True(t, IsPoolExhausted(New(CodePoolExhausted, "full")))
	assert.False(t, IsPoolExhausted(New(CodeQueryFailed, "boom")))
	assert.False(t, IsPoolExhausted(fmt.Errorf("plain error")))

	assert.True(t, IsDeadlineExceeded(ErrQueryTimeout))
	assert.True(t, IsTransactionPartial(New(CodeTransactionPartial, "partial")))
}

func TestCodePredicatesSeeThroughWrapping(t *testing.T) {
	inner := New(CodePoolExhausted, "full")
	outer := fmt.Errorf("request failed: %w", inner)
	assert.True(t, IsPoolExhausted(outer))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodeQueryFailed, GetCode(New(CodeQueryFailed, "boom")))
	assert.Equal(t, CodeInternal, GetCode(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := New(CodePoolExhausted, "full").
		WithDetail("pool", "primary").
		WithDetail("waited_ms", 5000)
	assert.Equal(t, "primary", err.Details["pool"])
	assert.Equal(t, 5000, err.Details["waited_ms"])
}
