package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_Creation(t *testing.T) {
	cause := errors.New("snmp timeout")

	err := NewPduUnreachableError("PDU of server rack1 unreachable", cause)

	assert.Equal(t, ErrorTypePduUnreachable, err.Type)
	assert.Equal(t, "PDU of server rack1 unreachable", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.NotNil(t, err.Context)
}

func TestDomainError_WithContext(t *testing.T) {
	err := NewNotFoundError("server not found", nil).
		WithContext("server_id", "rack1").
		WithContext("pdu_outlet", 4)

	assert.Equal(t, "rack1", err.Context["server_id"])
	assert.Equal(t, 4, err.Context["pdu_outlet"])
}

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewValidationError("test message", nil),
			expected: "validation: test message",
		},
		{
			name:     "error with cause",
			error:    NewRemoteShellError("test message", errors.New("cause")),
			expected: "remote_shell: test message: cause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_TypeChecking(t *testing.T) {
	pduErr := NewPduUnreachableError("pdu", nil)
	notFoundErr := NewNotFoundError("missing", nil)
	wrapped := fmt.Errorf("manual restart: %w", pduErr)

	assert.True(t, IsPduUnreachableError(pduErr))
	assert.True(t, IsPduUnreachableError(wrapped))
	assert.False(t, IsPduUnreachableError(notFoundErr))
	assert.True(t, IsNotFoundError(notFoundErr))
	assert.False(t, IsNotFoundError(errors.New("plain")))
	assert.Equal(t, ErrorTypePduUnreachable, TypeOf(wrapped))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))

	// errors.Is matches on type, not on message
	assert.True(t, errors.Is(wrapped, NewPduUnreachableError("other", nil)))
	assert.False(t, errors.Is(wrapped, NewMaintenanceError("other", nil)))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewRemoteShellError("ssh dial failed", cause)

	require.ErrorIs(t, err, cause)
}

func TestErrorCollection(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		collection := NewErrorCollection()
		collection.Add(nil)

		assert.False(t, collection.HasErrors())
		assert.NoError(t, collection.ToError())
		assert.Equal(t, "no errors", collection.Error())
	})

	t.Run("multiple", func(t *testing.T) {
		collection := NewErrorCollection()
		collection.Add(NewPduUnreachableError("first", nil))
		collection.Add(NewPduUnreachableError("second", nil))

		require.Error(t, collection.ToError())
		assert.Equal(t, "2 errors occurred: pdu_unreachable: first", collection.Error())
	})
}
