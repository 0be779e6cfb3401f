package provision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tmon/internal/db/dbtest"
	"tmon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time       { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T, opts Options) (*Queue, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewQueue(dbtest.Open(t), opts)
	q.now = c.now
	return q, c
}

func keys(es []models.ProvisionEntry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.DeviceKey)
	}
	return out
}

func TestEnqueueRejectsEmptyKey(t *testing.T) {
	q, _ := newQueue(t, Options{})
	_, err := q.Enqueue(context.Background(), "   ", Payload{}, "ops")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyNormalizationRoundTrip(t *testing.T) {
	q, _ := newQueue(t, Options{})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, " AbC-123 ", Payload{SiteURL: "https://S1.example.com/", Plan: "pro"}, "ops")
	require.NoError(t, err)

	e, err := q.Get(ctx, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", e.DeviceKey)
	assert.Equal(t, "https://s1.example.com", e.SiteURL)
	p, err := DecodeEntry(e)
	require.NoError(t, err)
	assert.Equal(t, "pro", p.Plan)
}

func TestEnqueueOverwrites(t *testing.T) {
	q, clk := newQueue(t, Options{})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "k1", Payload{Plan: "basic"}, "a")
	require.NoError(t, err)
	clk.add(time.Minute)
	_, err = q.Enqueue(ctx, "K1", Payload{Plan: "pro"}, "b")
	require.NoError(t, err)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].RequestedBy)
	assert.True(t, all[0].RequestedAt.Equal(clk.t))
}

func TestTTLVisibility(t *testing.T) {
	q, clk := newQueue(t, Options{TTL: time.Hour})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "k1", Payload{SiteURL: "s1"}, "ops")
	require.NoError(t, err)

	clk.add(59 * time.Minute)
	_, err = q.Get(ctx, "k1")
	assert.NoError(t, err, "visible before T+L")

	clk.add(time.Minute + time.Second)
	_, err = q.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound, "gone after T+L")

	// the next enqueue prunes it for good
	_, err = q.Enqueue(ctx, "k2", Payload{SiteURL: "s2"}, "ops")
	require.NoError(t, err)
	var n int64
	require.NoError(t, q.db.Model(&models.ProvisionEntry{}).Where("device_key = ?", "k1").Count(&n).Error)
	assert.Zero(t, n)
}

func TestPerSiteCapacityEvictsOldest(t *testing.T) {
	q, clk := newQueue(t, Options{MaxPerSite: 3})
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, k, Payload{SiteURL: "https://s1"}, "ops")
		require.NoError(t, err)
		clk.add(time.Second)
	}
	_, err := q.Enqueue(ctx, "x", Payload{SiteURL: "https://s2"}, "ops")
	require.NoError(t, err)
	clk.add(time.Second)

	// re-enqueueing an existing key at capacity evicts nothing
	_, err = q.Enqueue(ctx, "b", Payload{SiteURL: "https://s1"}, "ops")
	require.NoError(t, err)
	s1, _ := q.List(ctx, "https://s1")
	assert.Equal(t, []string{"a", "c", "b"}, keys(s1))
	clk.add(time.Second)

	_, err = q.Enqueue(ctx, "d", Payload{SiteURL: "https://S1/"}, "ops")
	require.NoError(t, err)
	s1, _ = q.List(ctx, "https://s1")
	assert.Equal(t, []string{"c", "b", "d"}, keys(s1))

	s2, _ := q.List(ctx, "https://s2")
	assert.Equal(t, []string{"x"}, keys(s2), "other sites are untouched")
}

func TestCapacityOneScenario(t *testing.T) {
	q, clk := newQueue(t, Options{MaxPerSite: 1})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "A1B2", Payload{SiteURL: "s1"}, "ops")
	require.NoError(t, err)
	clk.add(time.Second)
	_, err = q.Enqueue(ctx, "C3D4", Payload{SiteURL: "s1"}, "ops")
	require.NoError(t, err)

	s1, err := q.List(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c3d4"}, keys(s1))
	_, err = q.Get(ctx, "a1b2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReenqueue(t *testing.T) {
	q, clk := newQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Reenqueue(ctx, "k1", nil, "ops")
	assert.ErrorIs(t, err, ErrNoPayload)

	_, err = q.Reenqueue(ctx, "k1", []byte(`[1,2]`), "ops")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = q.Reenqueue(ctx, "k1", []byte(`{"site_url":"s1","plan":"pro"}`), "ops")
	require.NoError(t, err)

	clk.add(10 * time.Minute)
	e, err := q.Reenqueue(ctx, "K1", []byte(" "), "cron")
	require.NoError(t, err)
	assert.Equal(t, "cron", e.RequestedBy)
	assert.True(t, e.RequestedAt.Equal(clk.t))
	p, _ := DecodeEntry(e)
	assert.Equal(t, "pro", p.Plan)
}

func TestParsePayloadRawSettings(t *testing.T) {
	p, err := ParsePayload([]byte(`{"interval": 30, "mode": "eco"}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`30`), p.Settings["interval"])
	assert.Equal(t, json.RawMessage(`"eco"`), p.Settings["mode"])

	_, err = ParsePayload([]byte(`"str"`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
