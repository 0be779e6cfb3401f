package devices

import (
	"context"
	"testing"

	"tmon/internal/db/dbtest"
	"tmon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertFindsEitherKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t))

	d, created, err := s.Upsert(ctx, Fields{UnitID: " U-100 ", SiteURL: "https://UC1.example.com/"}, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u-100", d.UnitID)
	assert.Equal(t, "https://uc1.example.com", d.SiteURL)
	assert.Equal(t, models.DeviceStatusPending, d.Status)

	// machine id arrives later for the same unit: no duplicate
	d2, created, err := s.Upsert(ctx, Fields{UnitID: "u-100", MachineID: "AA:BB:CC"}, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d.ID, d2.ID)

	// lookup by machine id alone resolves the same record
	d3, created, err := s.Upsert(ctx, Fields{MachineID: "aa:bb:cc", UnitName: "pump"}, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d.ID, d3.ID)
	assert.Equal(t, "pump", d3.UnitName)

	byKey, err := s.FindByKey(ctx, "AA:BB:CC")
	require.NoError(t, err)
	assert.Equal(t, d.ID, byKey.ID)

	all, err := s.ListBySite(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertAllocatesSequentialUnitIDs(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t))

	_, _, err := s.Upsert(ctx, Fields{UnitID: "000002"}, false)
	require.NoError(t, err)

	a, _, err := s.Upsert(ctx, Fields{MachineID: "m-1"}, true)
	require.NoError(t, err)
	b, _, err := s.Upsert(ctx, Fields{MachineID: "m-2"}, true)
	require.NoError(t, err)

	assert.Equal(t, "000001", a.UnitID)
	assert.Equal(t, "000003", b.UnitID, "manually assigned ids are skipped")
}

func TestUpsertRequiresKey(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	_, _, err := s.Upsert(context.Background(), Fields{UnitName: "x"}, false)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFindNotFound(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	_, err := s.Find(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSuspensionsAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t))
	_, _, err := s.Upsert(ctx, Fields{UnitID: "u1"}, false)
	require.NoError(t, err)

	ok, err := s.IsSuspended(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Suspend(ctx, "U1", "billing"))
	ok, err = s.IsSuspended(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Unsuspend(ctx, "u1"))
	ok, _ = s.IsSuspended(ctx, "u1")
	assert.False(t, ok)

	require.NoError(t, s.SetStatus(ctx, "u1", models.DeviceStatusActive))
	require.NoError(t, s.MarkStaged(ctx, "u1", true))
	d, err := s.FindByKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, d.Status)
	assert.True(t, d.SettingsStaged)
}

func TestAuditLogRecordAndCount(t *testing.T) {
	ctx := context.Background()
	a := NewAuditLog(dbtest.Open(t))
	require.NoError(t, a.Record(ctx, models.AuditEntry{Action: AuditIngestUnknown, UnitID: "u9"}, map[string]string{"site_url": "s"}))
	require.NoError(t, a.Record(ctx, models.AuditEntry{Action: AuditIngestUnknown, UnitID: "u9"}, nil))
	n, err := a.Count(ctx, AuditIngestUnknown, "U9")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
