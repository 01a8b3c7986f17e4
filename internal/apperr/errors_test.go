package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ProviderUnavailable, "call failed", cause)

	require.ErrorIs(t, err, cause)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ProviderUnavailable, kind)
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("not ours"))
	assert.False(t, ok)
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{InvalidInput, http.StatusBadRequest},
		{UnsupportedChain, http.StatusNotFound},
		{NotTracked, http.StatusNotFound},
		{ProviderUnavailable, http.StatusServiceUnavailable},
		{BuildTimeout, http.StatusGatewayTimeout},
		{DatabaseError, http.StatusServiceUnavailable},
		{CallFailed, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(New(c.kind, "x")), "kind=%s", c.kind)
	}

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}
