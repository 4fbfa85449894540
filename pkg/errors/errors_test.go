package errors

import (
	stderr "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeObjectNotFound, CategoryStorage},
		{ErrCodeOperationCanceled, CategoryCoordination},
		{ErrCodeNotifyTimeout, CategoryTransport},
		{ErrCodeDecodeFailed, CategoryEncoding},
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrorCode("BOGUS"), CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, "boom")
			assert.Equal(t, tt.want, e.Category)
			assert.False(t, e.Timestamp.IsZero())
		})
	}
}

func TestErrorString(t *testing.T) {
	e := Newf(ErrCodeStorageRead, "failed reading oid=%s", "meta.log").
		WithContext("shard", "3")
	s := e.Error()
	assert.Contains(t, s, "STORAGE_READ")
	assert.Contains(t, s, "failed reading oid=meta.log")
	assert.Contains(t, s, "shard=3")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	e := Wrap(cause, ErrCodeConnectionFailed, "redis publish failed")
	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "connection reset")
}

func TestIsMatchesByCode(t *testing.T) {
	e := Wrapf(New(ErrCodeIOError, "inner"), ErrCodeOperationCanceled, "cas miss")
	assert.True(t, stderr.Is(e, New(ErrCodeOperationCanceled, "")))
	assert.False(t, stderr.Is(e, New(ErrCodeObjectNotFound, "")))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetCode(nil))
	assert.Equal(t, ErrCodeInternalError, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, ErrCodeNoData, GetCode(New(ErrCodeNoData, "no meta")))

	wrapped := fmt.Errorf("outer: %w", New(ErrCodeAlreadyExists, "raced"))
	assert.Equal(t, ErrCodeAlreadyExists, GetCode(wrapped))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(New(ErrCodeObjectNotFound, "")))
	assert.True(t, IsNoData(New(ErrCodeNoData, "")))
	assert.True(t, IsAlreadyExists(New(ErrCodeAlreadyExists, "")))
	assert.True(t, IsCanceled(New(ErrCodeOperationCanceled, "")))
	assert.True(t, IsInconsistent(New(ErrCodeInconsistentState, "")))
	assert.False(t, IsCanceled(nil))
	assert.False(t, IsCanceled(fmt.Errorf("plain")))
}
