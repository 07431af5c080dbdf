package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(ErrCodeStaleStage, "stage COMPLIANCE_CHECK is not current")
	wrapped := fmt.Errorf("submit decision: %w", err)

	assert.True(t, Is(wrapped, ErrStaleStage))
	assert.False(t, Is(wrapped, ErrAuthorization))
	assert.Equal(t, ErrCodeStaleStage, CodeOf(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestInvalidInputMessage(t *testing.T) {
	err := InvalidInput("application_id", "is required")
	assert.Equal(t, "[INVALID_INPUT] application_id: is required", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		NotFound("workflow", "wf-1"):                 http.StatusNotFound,
		InvalidInput("stage", "unknown"):             http.StatusBadRequest,
		New(ErrCodeUnauthorized, "role not allowed"): http.StatusForbidden,
		New(ErrCodeDuplicateApplication, "dup"):      http.StatusConflict,
		Persistence(fmt.Errorf("conn refused"), "x"): http.StatusServiceUnavailable,
		fmt.Errorf("plain"):                          http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}
