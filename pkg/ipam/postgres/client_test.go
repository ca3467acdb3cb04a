package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/types"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewClient(db), mock
}

func TestGetVRF(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery("SELECT id, name, slug FROM vrfs").
		WithArgs("prod-vrf").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug"}).AddRow(7, "prod-vrf", "prod-vrf"))

	vrf, err := c.GetVRF(context.Background(), "prod-vrf")
	require.NoError(t, err)
	assert.Equal(t, int64(7), vrf.ExternalID)
	assert.Equal(t, types.ReferenceVRF, vrf.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSiteGroupAbsentIsNotFound(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery("SELECT id, name, slug FROM site_groups").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := c.GetSiteGroup(context.Background(), "missing")
	assert.True(t, errdefs.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestCreateVLAN(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery("INSERT INTO vlans").
		WithArgs("site1_0100_web", "site1-vlans", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))

	created, err := c.CreateVLAN(context.Background(), &types.ReferenceObject{
		Kind:    types.ReferenceVlan,
		Name:    "site1_0100_web",
		Group:   "site1-vlans",
		VlanTag: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(31), created.ExternalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateVLANMissingIsNotFound(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("UPDATE vlans SET").
		WithArgs("renamed", "", int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.UpdateVLAN(context.Background(), &types.ReferenceObject{
		Kind:       types.ReferenceVlan,
		ExternalID: 99,
		Name:       "renamed",
	})
	assert.True(t, errdefs.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestListPrefixes(t *testing.T) {
	c, mock := newMockClient(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "site", "vrf", "tenant", "role", "vlan_id", "vlan_tag", "cidr", "epg_name",
		"description", "cluster_name", "status", "released", "allocated_at", "released_at",
		"created_at", "updated_at",
	}).AddRow(
		"seg-1", "site1", "prod-vrf", "acme", "server", 31, 100, "192.168.1.0/24", "web",
		"web tier", "c1", "reserved", false, now, nil, now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM prefixes").WillReturnRows(rows)

	segments, err := c.ListPrefixes(context.Background())
	require.NoError(t, err)
	require.Len(t, segments, 1)

	seg := segments[0]
	assert.Equal(t, "seg-1", seg.ID)
	assert.Equal(t, 100, seg.VlanTag)
	assert.True(t, seg.Allocated())
	assert.True(t, seg.ReleasedAt.IsZero())
}

func TestCreatePrefix(t *testing.T) {
	c, mock := newMockClient(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seg := &types.Segment{
		ID: "seg-1", Site: "site1", VRF: "prod-vrf", Tenant: "acme", Role: "server",
		VlanID: 31, VlanTag: 100, CIDR: "192.168.1.0/24", EPGName: "web",
		Status: types.SegmentStatusActive, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO prefixes").
		WithArgs("seg-1", "site1", "prod-vrf", "acme", "server", int64(31), 100,
			"192.168.1.0/24", "web", "", "", "active", false, nil, nil, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := c.CreatePrefix(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, "seg-1", created.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePrefixMissingIsNotFound(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("DELETE FROM prefixes").
		WithArgs("seg-404").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.DeletePrefix(context.Background(), "seg-404")
	assert.True(t, errdefs.IsNotFound(err), "expected NotFound, got %v", err)
}
