package netboxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/log"
	"github.com/ctrlnet/segmentd/pkg/types"
)

// Client is the REST driver for a NetBox-style IPAM API
type Client struct {
	baseURL  string
	token    string
	replicas []string
	mode     types.WriteMode
	http     *http.Client
}

// Config holds driver settings
type Config struct {
	URL      string
	Token    string
	Replicas []string
	Mode     types.WriteMode
}

// NewClient creates an HTTP IPAM driver
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:  cfg.URL,
		token:    cfg.Token,
		replicas: cfg.Replicas,
		mode:     cfg.Mode,
		// Per-call deadlines come from the executor context; this is a
		// hard upper bound for runaway connections.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// listEnvelope is the standard paginated list response
type listEnvelope struct {
	Count   int               `json:"count"`
	Results []json.RawMessage `json:"results"`
}

// refObject is the wire form of a reference entity
type refObject struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	VID   int    `json:"vid,omitempty"`
	Group *struct {
		Slug string `json:"slug"`
	} `json:"group,omitempty"`
}

func (r *refObject) toReference(kind types.ReferenceKind) *types.ReferenceObject {
	obj := &types.ReferenceObject{
		Kind:       kind,
		ExternalID: r.ID,
		Name:       r.Name,
		Slug:       r.Slug,
		VlanTag:    r.VID,
	}
	if r.Group != nil {
		obj.Group = r.Group.Slug
	}
	return obj
}

// nested is a name-only sub-object reference used in prefix payloads
type nested struct {
	Name string `json:"name"`
}

// prefixObject is the wire form of a prefix with segmentd's custom fields
type prefixObject struct {
	ID          int64   `json:"id,omitempty"`
	Prefix      string  `json:"prefix"`
	Site        *nested `json:"site,omitempty"`
	VRF         *nested `json:"vrf,omitempty"`
	Tenant      *nested `json:"tenant,omitempty"`
	Role        *nested `json:"role,omitempty"`
	Description string  `json:"description"`
	Status      struct {
		Value string `json:"value"`
	} `json:"status"`
	Vlan *struct {
		ID  int64 `json:"id"`
		VID int   `json:"vid"`
	} `json:"vlan,omitempty"`
	Created      time.Time    `json:"created,omitempty"`
	LastUpdated  time.Time    `json:"last_updated,omitempty"`
	CustomFields customFields `json:"custom_fields"`
}

// customFields carries the segment state the base prefix model lacks
type customFields struct {
	SegmentID   string `json:"segment_id"`
	EPGName     string `json:"epg_name"`
	ClusterName string `json:"cluster_name"`
	Released    bool   `json:"released"`
	AllocatedAt string `json:"allocated_at"`
	ReleasedAt  string `json:"released_at"`
}

func (p *prefixObject) toSegment() *types.Segment {
	seg := &types.Segment{
		ID:          p.CustomFields.SegmentID,
		CIDR:        p.Prefix,
		Description: p.Description,
		EPGName:     p.CustomFields.EPGName,
		ClusterName: p.CustomFields.ClusterName,
		Released:    p.CustomFields.Released,
		Status:      types.SegmentStatus(p.Status.Value),
		CreatedAt:   p.Created,
		UpdatedAt:   p.LastUpdated,
	}
	if p.Site != nil {
		seg.Site = p.Site.Name
	}
	if p.VRF != nil {
		seg.VRF = p.VRF.Name
	}
	if p.Tenant != nil {
		seg.Tenant = p.Tenant.Name
	}
	if p.Role != nil {
		seg.Role = p.Role.Name
	}
	if p.Vlan != nil {
		seg.VlanID = p.Vlan.ID
		seg.VlanTag = p.Vlan.VID
	}
	if ts, err := time.Parse(time.RFC3339, p.CustomFields.AllocatedAt); err == nil {
		seg.AllocatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, p.CustomFields.ReleasedAt); err == nil {
		seg.ReleasedAt = ts
	}
	return seg
}

func fromSegment(seg *types.Segment) *prefixObject {
	p := &prefixObject{
		Prefix:      seg.CIDR,
		Description: seg.Description,
		CustomFields: customFields{
			SegmentID:   seg.ID,
			EPGName:     seg.EPGName,
			ClusterName: seg.ClusterName,
			Released:    seg.Released,
		},
	}
	p.Status.Value = string(seg.Status)
	if seg.Site != "" {
		p.Site = &nested{Name: seg.Site}
	}
	if seg.VRF != "" {
		p.VRF = &nested{Name: seg.VRF}
	}
	if seg.Tenant != "" {
		p.Tenant = &nested{Name: seg.Tenant}
	}
	if seg.Role != "" {
		p.Role = &nested{Name: seg.Role}
	}
	if seg.VlanID != 0 {
		p.Vlan = &struct {
			ID  int64 `json:"id"`
			VID int   `json:"vid"`
		}{ID: seg.VlanID, VID: seg.VlanTag}
	}
	if !seg.AllocatedAt.IsZero() {
		p.CustomFields.AllocatedAt = seg.AllocatedAt.Format(time.RFC3339)
	}
	if !seg.ReleasedAt.IsZero() {
		p.CustomFields.ReleasedAt = seg.ReleasedAt.Format(time.RFC3339)
	}
	return p
}

// do issues one request against base and decodes the response into out
func (c *Client) do(ctx context.Context, base, method, path string, query url.Values, body, out interface{}) error {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection failures and context deadlines are both retryable
		return errdefs.TransientWrap(err, fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errdefs.NotFound("%s not found", path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errdefs.Transient("%s %s returned %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// write issues a mutating request, fanning out to replicas in replicated
// mode. Replica failures are logged, not surfaced: the primary is the
// system of record and there is no cross-endpoint rollback.
func (c *Client) write(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.do(ctx, c.baseURL, method, path, nil, body, out); err != nil {
		return err
	}
	if c.mode != types.WriteModeReplicated {
		return nil
	}
	logger := log.WithComponent("ipam")
	for _, replica := range c.replicas {
		if err := c.do(ctx, replica, method, path, nil, body, nil); err != nil {
			logger.Warn().Str("replica", replica).Str("path", path).Err(err).Msg("replicated write failed")
		}
	}
	return nil
}

// getOne fetches a single object by a natural-key filter
func (c *Client) getOne(ctx context.Context, path, filterKey, filterVal string, kind types.ReferenceKind) (*types.ReferenceObject, error) {
	query := url.Values{filterKey: []string{filterVal}}
	var envelope listEnvelope
	if err := c.do(ctx, c.baseURL, http.MethodGet, path, query, nil, &envelope); err != nil {
		return nil, err
	}
	if envelope.Count == 0 || len(envelope.Results) == 0 {
		return nil, errdefs.NotFound("%s %q not found", kind, filterVal)
	}
	var ref refObject
	if err := json.Unmarshal(envelope.Results[0], &ref); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return ref.toReference(kind), nil
}

// Ping verifies the API answers
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, c.baseURL, http.MethodGet, "/api/status/", nil, nil, nil)
}

// GetSiteGroup looks up a site group by slug. Site groups are never created
// here; absence means the site must be pre-provisioned externally.
func (c *Client) GetSiteGroup(ctx context.Context, slug string) (*types.ReferenceObject, error) {
	return c.getOne(ctx, "/api/dcim/site-groups/", "slug", slug, types.ReferenceSiteGroup)
}

// GetVRF looks up a VRF by name
func (c *Client) GetVRF(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return c.getOne(ctx, "/api/ipam/vrfs/", "name", name, types.ReferenceVRF)
}

// GetTenant looks up a tenant by name
func (c *Client) GetTenant(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return c.getOne(ctx, "/api/tenancy/tenants/", "name", name, types.ReferenceTenant)
}

// GetRole looks up a prefix/VLAN role by name
func (c *Client) GetRole(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return c.getOne(ctx, "/api/ipam/roles/", "name", name, types.ReferenceRole)
}

// GetVLANGroup looks up a VLAN group by slug
func (c *Client) GetVLANGroup(ctx context.Context, slug string) (*types.ReferenceObject, error) {
	return c.getOne(ctx, "/api/ipam/vlan-groups/", "slug", slug, types.ReferenceVlanGroup)
}

// CreateVLANGroup creates a VLAN group
func (c *Client) CreateVLANGroup(ctx context.Context, name, slug string) (*types.ReferenceObject, error) {
	body := map[string]string{"name": name, "slug": slug}
	var ref refObject
	if err := c.write(ctx, http.MethodPost, "/api/ipam/vlan-groups/", body, &ref); err != nil {
		return nil, err
	}
	return ref.toReference(types.ReferenceVlanGroup), nil
}

// GetVLAN looks up a VLAN by name
func (c *Client) GetVLAN(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return c.getOne(ctx, "/api/ipam/vlans/", "name", name, types.ReferenceVlan)
}

// CreateVLAN creates a VLAN
func (c *Client) CreateVLAN(ctx context.Context, vlan *types.ReferenceObject) (*types.ReferenceObject, error) {
	body := map[string]interface{}{
		"name": vlan.Name,
		"vid":  vlan.VlanTag,
	}
	if vlan.Group != "" {
		body["group"] = map[string]string{"slug": vlan.Group}
	}
	var ref refObject
	if err := c.write(ctx, http.MethodPost, "/api/ipam/vlans/", body, &ref); err != nil {
		return nil, err
	}
	return ref.toReference(types.ReferenceVlan), nil
}

// UpdateVLAN patches a VLAN's mutable fields (name, group)
func (c *Client) UpdateVLAN(ctx context.Context, vlan *types.ReferenceObject) error {
	body := map[string]interface{}{"name": vlan.Name}
	if vlan.Group != "" {
		body["group"] = map[string]string{"slug": vlan.Group}
	}
	path := "/api/ipam/vlans/" + strconv.FormatInt(vlan.ExternalID, 10) + "/"
	return c.write(ctx, http.MethodPatch, path, body, nil)
}

// DeleteVLAN removes an orphaned VLAN
func (c *Client) DeleteVLAN(ctx context.Context, id int64) error {
	path := "/api/ipam/vlans/" + strconv.FormatInt(id, 10) + "/"
	return c.write(ctx, http.MethodDelete, path, nil, nil)
}

// ListPrefixes fetches every prefix managed by segmentd
func (c *Client) ListPrefixes(ctx context.Context) ([]*types.Segment, error) {
	query := url.Values{"limit": []string{"0"}}
	var envelope listEnvelope
	if err := c.do(ctx, c.baseURL, http.MethodGet, "/api/ipam/prefixes/", query, nil, &envelope); err != nil {
		return nil, err
	}
	segments := make([]*types.Segment, 0, len(envelope.Results))
	for _, raw := range envelope.Results {
		var p prefixObject
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode prefix: %w", err)
		}
		segments = append(segments, p.toSegment())
	}
	return segments, nil
}

// GetPrefix fetches one prefix by segment ID
func (c *Client) GetPrefix(ctx context.Context, id string) (*types.Segment, error) {
	query := url.Values{"cf_segment_id": []string{id}}
	var envelope listEnvelope
	if err := c.do(ctx, c.baseURL, http.MethodGet, "/api/ipam/prefixes/", query, nil, &envelope); err != nil {
		return nil, err
	}
	if envelope.Count == 0 || len(envelope.Results) == 0 {
		return nil, errdefs.NotFound("segment %s not found", id)
	}
	var p prefixObject
	if err := json.Unmarshal(envelope.Results[0], &p); err != nil {
		return nil, fmt.Errorf("failed to decode prefix: %w", err)
	}
	return p.toSegment(), nil
}

// CreatePrefix registers a new prefix
func (c *Client) CreatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	var created prefixObject
	if err := c.write(ctx, http.MethodPost, "/api/ipam/prefixes/", fromSegment(seg), &created); err != nil {
		return nil, err
	}
	return created.toSegment(), nil
}

// UpdatePrefix overwrites a prefix's mutable fields
func (c *Client) UpdatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	externalID, err := c.externalPrefixID(ctx, seg.ID)
	if err != nil {
		return nil, err
	}
	path := "/api/ipam/prefixes/" + strconv.FormatInt(externalID, 10) + "/"
	var updated prefixObject
	if err := c.write(ctx, http.MethodPatch, path, fromSegment(seg), &updated); err != nil {
		return nil, err
	}
	return updated.toSegment(), nil
}

// DeletePrefix removes a prefix
func (c *Client) DeletePrefix(ctx context.Context, id string) error {
	externalID, err := c.externalPrefixID(ctx, id)
	if err != nil {
		return err
	}
	path := "/api/ipam/prefixes/" + strconv.FormatInt(externalID, 10) + "/"
	return c.write(ctx, http.MethodDelete, path, nil, nil)
}

// externalPrefixID maps a segment ID to the external object ID
func (c *Client) externalPrefixID(ctx context.Context, id string) (int64, error) {
	query := url.Values{"cf_segment_id": []string{id}}
	var envelope listEnvelope
	if err := c.do(ctx, c.baseURL, http.MethodGet, "/api/ipam/prefixes/", query, nil, &envelope); err != nil {
		return 0, err
	}
	if envelope.Count == 0 || len(envelope.Results) == 0 {
		return 0, errdefs.NotFound("segment %s not found", id)
	}
	var p prefixObject
	if err := json.Unmarshal(envelope.Results[0], &p); err != nil {
		return 0, fmt.Errorf("failed to decode prefix: %w", err)
	}
	return p.ID, nil
}
