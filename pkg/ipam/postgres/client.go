package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	_ "github.com/lib/pq"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/types"
)

// Client is the SQL driver for deployments whose IPAM system of record is a
// relational database. Write mode is irrelevant here: the database is a
// single endpoint, so replicated mode degrades to the single write path.
type Client struct {
	db *sql.DB
}

// Open connects to the database and verifies the connection
func Open(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errdefs.TransientWrap(err, "failed to reach database")
	}
	return &Client{db: db}, nil
}

// NewClient wraps an existing database handle (tests inject sqlmock here)
func NewClient(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close closes the database handle
func (c *Client) Close() error {
	return c.db.Close()
}

// classify maps SQL failures onto the errdefs taxonomy. No rows is handled
// at each call site; connection-level failures are retryable.
func classify(err error, operation string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return errdefs.TransientWrap(err, operation+" failed")
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}

// Ping verifies the database answers
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return errdefs.TransientWrap(err, "database ping failed")
	}
	return nil
}

// getReference looks up one row in a natural-key table
func (c *Client) getReference(ctx context.Context, table, column, value string, kind types.ReferenceKind) (*types.ReferenceObject, error) {
	query := fmt.Sprintf(`SELECT id, name, slug FROM %s WHERE %s = $1`, table, column)
	ref := &types.ReferenceObject{Kind: kind}
	err := c.db.QueryRowContext(ctx, query, value).Scan(&ref.ExternalID, &ref.Name, &ref.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFound("%s %q not found", kind, value)
		}
		return nil, classify(err, "get "+string(kind))
	}
	return ref, nil
}

// GetSiteGroup looks up a site group by slug
func (c *Client) GetSiteGroup(ctx context.Context, slug string) (*types.ReferenceObject, error) {
	return c.getReference(ctx, "site_groups", "slug", slug, types.ReferenceSiteGroup)
}

// GetVRF looks up a VRF by name
func (c *Client) GetVRF(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return c.getReference(ctx, "vrfs", "name", name, types.ReferenceVRF)
}

// GetTenant looks up a tenant by name
func (c *Client) GetTenant(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return c.getReference(ctx, "tenants", "name", name, types.ReferenceTenant)
}

// GetRole looks up a role by name
func (c *Client) GetRole(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return c.getReference(ctx, "roles", "name", name, types.ReferenceRole)
}

// GetVLANGroup looks up a VLAN group by slug
func (c *Client) GetVLANGroup(ctx context.Context, slug string) (*types.ReferenceObject, error) {
	return c.getReference(ctx, "vlan_groups", "slug", slug, types.ReferenceVlanGroup)
}

// CreateVLANGroup creates a VLAN group
func (c *Client) CreateVLANGroup(ctx context.Context, name, slug string) (*types.ReferenceObject, error) {
	ref := &types.ReferenceObject{Kind: types.ReferenceVlanGroup, Name: name, Slug: slug}
	query := `INSERT INTO vlan_groups (name, slug) VALUES ($1, $2) RETURNING id`
	if err := c.db.QueryRowContext(ctx, query, name, slug).Scan(&ref.ExternalID); err != nil {
		return nil, classify(err, "create vlan group")
	}
	return ref, nil
}

// GetVLAN looks up a VLAN by name
func (c *Client) GetVLAN(ctx context.Context, name string) (*types.ReferenceObject, error) {
	query := `SELECT id, name, COALESCE(group_slug, ''), tag FROM vlans WHERE name = $1`
	ref := &types.ReferenceObject{Kind: types.ReferenceVlan}
	err := c.db.QueryRowContext(ctx, query, name).Scan(&ref.ExternalID, &ref.Name, &ref.Group, &ref.VlanTag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFound("vlan %q not found", name)
		}
		return nil, classify(err, "get vlan")
	}
	return ref, nil
}

// CreateVLAN creates a VLAN
func (c *Client) CreateVLAN(ctx context.Context, vlan *types.ReferenceObject) (*types.ReferenceObject, error) {
	created := *vlan
	query := `INSERT INTO vlans (name, group_slug, tag) VALUES ($1, $2, $3) RETURNING id`
	if err := c.db.QueryRowContext(ctx, query, vlan.Name, vlan.Group, vlan.VlanTag).Scan(&created.ExternalID); err != nil {
		return nil, classify(err, "create vlan")
	}
	return &created, nil
}

// UpdateVLAN updates a VLAN's mutable fields
func (c *Client) UpdateVLAN(ctx context.Context, vlan *types.ReferenceObject) error {
	query := `UPDATE vlans SET name = $1, group_slug = $2 WHERE id = $3`
	result, err := c.db.ExecContext(ctx, query, vlan.Name, vlan.Group, vlan.ExternalID)
	if err != nil {
		return classify(err, "update vlan")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(err, "update vlan")
	}
	if affected == 0 {
		return errdefs.NotFound("vlan %d not found", vlan.ExternalID)
	}
	return nil
}

// DeleteVLAN removes a VLAN
func (c *Client) DeleteVLAN(ctx context.Context, id int64) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM vlans WHERE id = $1`, id)
	if err != nil {
		return classify(err, "delete vlan")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(err, "delete vlan")
	}
	if affected == 0 {
		return errdefs.NotFound("vlan %d not found", id)
	}
	return nil
}

const prefixColumns = `id, site, vrf, tenant, role, vlan_id, vlan_tag, cidr, epg_name,
	description, cluster_name, status, released, allocated_at, released_at, created_at, updated_at`

// scanSegment reads one prefix row
func scanSegment(row interface{ Scan(...interface{}) error }) (*types.Segment, error) {
	var seg types.Segment
	var allocatedAt, releasedAt sql.NullTime
	err := row.Scan(
		&seg.ID, &seg.Site, &seg.VRF, &seg.Tenant, &seg.Role,
		&seg.VlanID, &seg.VlanTag, &seg.CIDR, &seg.EPGName,
		&seg.Description, &seg.ClusterName, &seg.Status, &seg.Released,
		&allocatedAt, &releasedAt, &seg.CreatedAt, &seg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if allocatedAt.Valid {
		seg.AllocatedAt = allocatedAt.Time
	}
	if releasedAt.Valid {
		seg.ReleasedAt = releasedAt.Time
	}
	return &seg, nil
}

// nullableTime maps zero times to SQL NULL
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// ListPrefixes fetches every managed prefix
func (c *Client) ListPrefixes(ctx context.Context) ([]*types.Segment, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+prefixColumns+` FROM prefixes`)
	if err != nil {
		return nil, classify(err, "list prefixes")
	}
	defer rows.Close()

	var segments []*types.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prefix row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list prefixes")
	}
	return segments, nil
}

// GetPrefix fetches one prefix by segment ID
func (c *Client) GetPrefix(ctx context.Context, id string) (*types.Segment, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+prefixColumns+` FROM prefixes WHERE id = $1`, id)
	seg, err := scanSegment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFound("segment %s not found", id)
		}
		return nil, classify(err, "get prefix")
	}
	return seg, nil
}

// CreatePrefix registers a new prefix
func (c *Client) CreatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	query := `INSERT INTO prefixes (` + prefixColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := c.db.ExecContext(ctx, query,
		seg.ID, seg.Site, seg.VRF, seg.Tenant, seg.Role,
		seg.VlanID, seg.VlanTag, seg.CIDR, seg.EPGName,
		seg.Description, seg.ClusterName, seg.Status, seg.Released,
		nullableTime(seg.AllocatedAt), nullableTime(seg.ReleasedAt),
		seg.CreatedAt, seg.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err, "create prefix")
	}
	return seg, nil
}

// UpdatePrefix overwrites a prefix's mutable fields
func (c *Client) UpdatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	query := `UPDATE prefixes SET vlan_id = $1, vlan_tag = $2, cidr = $3, description = $4,
		cluster_name = $5, status = $6, released = $7, allocated_at = $8, released_at = $9,
		updated_at = $10 WHERE id = $11`
	result, err := c.db.ExecContext(ctx, query,
		seg.VlanID, seg.VlanTag, seg.CIDR, seg.Description,
		seg.ClusterName, seg.Status, seg.Released,
		nullableTime(seg.AllocatedAt), nullableTime(seg.ReleasedAt),
		seg.UpdatedAt, seg.ID,
	)
	if err != nil {
		return nil, classify(err, "update prefix")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, classify(err, "update prefix")
	}
	if affected == 0 {
		return nil, errdefs.NotFound("segment %s not found", seg.ID)
	}
	return seg, nil
}

// DeletePrefix removes a prefix
func (c *Client) DeletePrefix(ctx context.Context, id string) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM prefixes WHERE id = $1`, id)
	if err != nil {
		return classify(err, "delete prefix")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(err, "delete prefix")
	}
	if affected == 0 {
		return errdefs.NotFound("segment %s not found", id)
	}
	return nil
}
