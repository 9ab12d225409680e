package fiscal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironment_UnmarshalText(t *testing.T) {
	var e Environment

	require.NoError(t, e.UnmarshalText([]byte(" Production ")))
	assert.Equal(t, Production, e)

	require.NoError(t, e.UnmarshalText([]byte("hom")))
	assert.Equal(t, Homologation, e)

	require.NoError(t, e.UnmarshalText([]byte("")))
	assert.Equal(t, Sandbox, e)

	assert.Error(t, e.UnmarshalText([]byte("staging")))
}

func TestEnvironment_BaseURL(t *testing.T) {
	assert.Equal(t, "https://sandbox.api.nfe.fazenda.gov.br/v1", Sandbox.BaseURL())
	assert.Equal(t, "production", Production.Name())
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("emit: %w", NewError(KindAuthorityUnavailable, "authority timed out", context.DeadlineExceeded))

	assert.Equal(t, KindAuthorityUnavailable, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Kind(""), KindOf(ErrNotFound))

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Retryable())
	assert.False(t, NewError(KindAuthorityRejection, "declined", nil).Retryable())
}

func TestContextHelpers(t *testing.T) {
	ctx := Context(context.Background(), "req-1")
	ctx = ContextWithSeries(ctx, "2")

	id, ok := RequestIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	s, ok := SeriesFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "2", s)

	_, ok = SeriesFromContext(context.Background())
	assert.False(t, ok)
}
