package apperror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	e := New(http.StatusBadRequest, "bad_request", "Invalid request")
	assert.Equal(t, "bad_request: Invalid request", e.Error())

	wrapped := e.WithInternal(errors.New("boom"))
	assert.Equal(t, "bad_request: Invalid request (boom)", wrapped.Error())
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	e := ErrInternal.WithInternal(inner)
	assert.True(t, errors.Is(e, inner))
}

func TestError_WithMessage(t *testing.T) {
	e := ErrInvalidInput.WithMessage("text too short")
	assert.Equal(t, "invalid_input", e.Code)
	assert.Equal(t, "text too short", e.Message)
	assert.Equal(t, http.StatusUnprocessableEntity, e.HTTPStatus)
	// The shared sentinel must stay untouched
	assert.Equal(t, "Invalid job input", ErrInvalidInput.Message)
}

func TestToHTTPError_AppError(t *testing.T) {
	status, body := ToHTTPError(NewInvalidInput("chunk has no text"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "error", body["status"])

	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "invalid_input", errObj["code"])
	assert.Equal(t, "chunk has no text", errObj["message"])
}

func TestToHTTPError_UnknownError(t *testing.T) {
	status, body := ToHTTPError(errors.New("something unexpected"))
	assert.Equal(t, http.StatusInternalServerError, status)

	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "internal_error", errObj["code"])
}

func TestNewNotFound(t *testing.T) {
	e := NewNotFound("entity", "chunk-42")
	assert.Equal(t, "not_found", e.Code)
	assert.Equal(t, "entity 'chunk-42' not found", e.Message)
}
