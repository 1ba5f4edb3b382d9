package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorMessageIncludesInternal(t *testing.T) {
	base := New("TEST", "something failed", http.StatusBadGateway)
	wrapped := base.WithInternal(stderrors.New("socket closed"))

	require.Equal(t, "something failed: socket closed", wrapped.Error())
	require.Equal(t, "something failed", base.Error())
}

func TestFromErrorRecognisesAppError(t *testing.T) {
	err := ErrNotFound.WithInternal(stderrors.New("row missing"))

	converted := FromError(err)
	require.Equal(t, ErrNotFound.Code, converted.Code)
	require.True(t, stderrors.Is(converted, converted))
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	converted := FromError(stderrors.New("boom"))
	require.Equal(t, ErrInternalServer.Code, converted.Code)
	require.EqualError(t, converted.Unwrap(), "boom")
}

func TestFromErrorNil(t *testing.T) {
	require.Nil(t, FromError(nil))
}

func TestWrapPreservesOriginal(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	wrapped := Wrap(cause, "notification fetch failed")

	require.ErrorIs(t, wrapped, cause)
	require.Equal(t, http.StatusInternalServerError, wrapped.StatusCode)
}
