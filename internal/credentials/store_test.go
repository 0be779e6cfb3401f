package credentials

import (
	"context"
	"testing"

	"tmon/internal/db/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "ab"))
	assert.False(t, Equal("", ""))
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t))

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "x", "1"))
	require.NoError(t, s.Set(ctx, "x", "2"))
	v, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestPairIssuesFreshReadTokenAndSharedHubKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t))

	p1, hub1, err := s.Pair(ctx, "https://UC1.example.com/", "uc-1")
	require.NoError(t, err)
	p2, hub2, err := s.Pair(ctx, "https://uc2.example.com", "uc-2")
	require.NoError(t, err)

	assert.Equal(t, hub1, hub2)
	assert.NotEqual(t, p1.ReadToken, p2.ReadToken)
	assert.Equal(t, "https://uc1.example.com", p1.SiteURL)

	again, _, err := s.Pair(ctx, "https://uc1.example.com", "uc-1b")
	require.NoError(t, err)
	assert.NotEqual(t, p1.ReadToken, again.ReadToken)

	got, err := s.PairingFor(ctx, "https://uc1.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "uc-1b", got.UCKey)

	assert.True(t, s.ReadTokenValid(ctx, again.ReadToken))
	assert.False(t, s.ReadTokenValid(ctx, p1.ReadToken))
	assert.False(t, s.ReadTokenValid(ctx, ""))

	_, _, err = s.Pair(ctx, " ", "k")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSpokeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t))

	c, err := s.Spoke(ctx)
	require.NoError(t, err)
	assert.False(t, c.Paired())

	require.NoError(t, s.SaveSpoke(ctx, Spoke{HubURL: "https://hub.example.com/", HubKey: "h", ReadToken: "r", UCKey: "u"}))
	c, err = s.Spoke(ctx)
	require.NoError(t, err)
	assert.True(t, c.Paired())
	assert.Equal(t, Spoke{HubURL: "https://hub.example.com", HubKey: "h", ReadToken: "r", UCKey: "u"}, c)
}
