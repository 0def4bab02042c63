package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddContext(t *testing.T) {
	require.NoError(t, AddContext(nil, "loading"))

	base := errors.New("boom")
	wrapped := AddContext(base, "loading")
	require.EqualError(t, wrapped, "loading: boom")
	require.ErrorIs(t, wrapped, base)
}

func TestComposeErrors(t *testing.T) {
	require.NoError(t, ComposeErrors())
	require.NoError(t, ComposeErrors(nil, nil))

	a, b := errors.New("a"), errors.New("b")
	err := ComposeErrors(nil, a, nil, b)
	require.ErrorIs(t, err, a)
	require.ErrorIs(t, err, b)
}
