package manager

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ctrlnet/segmentd/pkg/allocator"
	"github.com/ctrlnet/segmentd/pkg/cache"
	"github.com/ctrlnet/segmentd/pkg/config"
	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/events"
	"github.com/ctrlnet/segmentd/pkg/executor"
	"github.com/ctrlnet/segmentd/pkg/ipam"
	"github.com/ctrlnet/segmentd/pkg/log"
	"github.com/ctrlnet/segmentd/pkg/metrics"
	"github.com/ctrlnet/segmentd/pkg/query"
	"github.com/ctrlnet/segmentd/pkg/resolver"
	"github.com/ctrlnet/segmentd/pkg/types"
)

// segmentsKey is the cache key for the segment collection
const segmentsKey = "segments"

// Manager orchestrates segment CRUD and the allocation lifecycle over the
// external IPAM system. Reads go through the cache; every external round
// trip goes through the executor partition; mutations invalidate the
// segment collection and publish a lifecycle event.
type Manager struct {
	cfg    *config.Config
	cache  cache.Cache
	exec   *executor.Partition
	client ipam.Client
	res    *resolver.Resolver
	alloc  *allocator.Allocator
	broker *events.Broker

	sitePrefixes map[string]string
	segTTL       time.Duration

	// now is the clock, injectable for tests
	now func() time.Time
}

// New creates a manager over the given collaborators
func New(cfg *config.Config, c cache.Cache, exec *executor.Partition, client ipam.Client, res *resolver.Resolver, broker *events.Broker) *Manager {
	prefixes := make(map[string]string, len(cfg.Sites))
	for name, site := range cfg.Sites {
		prefixes[name] = site.Prefix
	}

	m := &Manager{
		cfg:          cfg,
		cache:        c,
		exec:         exec,
		client:       client,
		res:          res,
		broker:       broker,
		sitePrefixes: prefixes,
		segTTL:       cfg.Cache.TTLFor(segmentsKey),
		now:          time.Now,
	}

	// The allocator loads through the cache and persists through the write
	// pool; each persisted mark invalidates the collection so the next load
	// sees it.
	m.alloc = allocator.New(m.listSegments, func(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
		value, err := m.retryWrite(ctx, "update-prefix", func(ctx context.Context) (interface{}, error) {
			return m.client.UpdatePrefix(ctx, seg)
		})
		if err != nil {
			return nil, err
		}
		updated, ok := value.(*types.Segment)
		if !ok {
			return nil, fmt.Errorf("unexpected result updating segment %s", seg.ID)
		}
		m.cache.Invalidate(segmentsKey)
		return updated, nil
	})

	return m
}

// SetClock overrides the manager clock (tests only)
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.alloc.SetClock(now)
}

// Warm pre-populates long-lived reference entries for the configured sites
func (m *Manager) Warm(ctx context.Context) {
	var groups []string
	for _, site := range m.cfg.Sites {
		if site.SiteGroup != "" {
			groups = append(groups, site.SiteGroup)
		}
	}
	m.res.Warm(ctx, groups)
}

// Find returns all segments matching the predicate
func (m *Manager) Find(ctx context.Context, p types.Predicate) ([]*types.Segment, error) {
	segments, err := m.listSegments(ctx)
	if err != nil {
		return nil, err
	}
	return query.Find(segments, p), nil
}

// FindOne returns the first segment matching the predicate, or NotFound
func (m *Manager) FindOne(ctx context.Context, p types.Predicate) (*types.Segment, error) {
	segments, err := m.listSegments(ctx)
	if err != nil {
		return nil, err
	}
	seg := query.FindOne(segments, p)
	if seg == nil {
		return nil, errdefs.NotFound("no segment matches the query")
	}
	return seg, nil
}

// Search returns segments containing text in their descriptive fields
func (m *Manager) Search(ctx context.Context, text string) ([]*types.Segment, error) {
	segments, err := m.listSegments(ctx)
	if err != nil {
		return nil, err
	}
	return query.Search(segments, text), nil
}

// InsertOne validates and registers a new segment. Reference objects are
// resolved cache-first; the VLAN is created on demand. The segment is only
// written once every get-only reference resolves and validation passes.
func (m *Manager) InsertOne(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	logger := log.WithComponent("manager")

	existing, err := m.listSegments(ctx)
	if err != nil {
		return nil, err
	}

	sitePrefix := allocator.ParseSitePrefix(m.sitePrefixes, seg.Site)
	if err := allocator.Validate(seg, existing, sitePrefix); err != nil {
		return nil, err
	}

	siteCfg := m.siteConfig(seg.Site)
	res := m.res.Begin()

	if siteCfg.SiteGroup != "" {
		if _, err := res.SiteGroup(ctx, siteCfg.SiteGroup); err != nil {
			return nil, err
		}
	}
	if seg.VRF != "" {
		if _, err := res.VRF(ctx, seg.VRF); err != nil {
			return nil, err
		}
	}
	if seg.Tenant != "" {
		if _, err := res.Tenant(ctx, seg.Tenant); err != nil {
			return nil, err
		}
	}
	if seg.Role != "" {
		if _, err := res.Role(ctx, seg.Role); err != nil {
			return nil, err
		}
	}

	// VLAN group membership is best effort: a failure downgrades the VLAN
	// to groupless instead of aborting the insert.
	groupSlug := siteCfg.VlanGroup
	if groupSlug != "" {
		if _, err := res.VlanGroup(ctx, groupSlug, groupSlug); err != nil {
			logger.Warn().Str("vlan_group", groupSlug).Err(err).Msg("vlan group unavailable, creating vlan without group")
			groupSlug = ""
		}
	}

	vlan, vlanCreated, err := res.Vlan(ctx, &types.ReferenceObject{
		Kind:    types.ReferenceVlan,
		Name:    vlanName(seg.Site, seg.VlanTag, seg.EPGName),
		VlanTag: seg.VlanTag,
		Group:   groupSlug,
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	inserted := *seg
	if inserted.ID == "" {
		inserted.ID = uuid.New().String()
	}
	inserted.VlanID = vlan.ExternalID
	if inserted.Status == "" {
		inserted.Status = types.SegmentStatusActive
	}
	inserted.CreatedAt = now
	inserted.UpdatedAt = now

	value, err := m.retryWrite(ctx, "create-prefix", func(ctx context.Context) (interface{}, error) {
		return m.client.CreatePrefix(ctx, &inserted)
	})
	if err != nil {
		return nil, err
	}
	created, ok := value.(*types.Segment)
	if !ok {
		return nil, fmt.Errorf("unexpected result creating segment %s", inserted.ID)
	}

	m.cache.Invalidate(segmentsKey)
	if vlanCreated {
		m.publish(events.EventVlanCreated, created, fmt.Sprintf("vlan %s (%d) created", vlan.Name, vlan.VlanTag))
	}
	m.publish(events.EventSegmentCreated, created, fmt.Sprintf("segment %s created at %s", created.EPGName, created.Site))

	logger.Info().
		Str("segment_id", created.ID).
		Str("site", created.Site).
		Int("vlan_tag", created.VlanTag).
		Str("cidr", created.CIDR).
		Msg("segment created")
	return created, nil
}

// UpdateOne validates and persists changes to an existing segment. When the
// update moves the segment to a different VLAN identity, the new VLAN is
// resolved (created on demand) and the old one is deleted if nothing else
// references it.
func (m *Manager) UpdateOne(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	logger := log.WithComponent("manager")

	existing, err := m.listSegments(ctx)
	if err != nil {
		return nil, err
	}
	current := findByID(existing, seg.ID)
	if current == nil {
		return nil, errdefs.NotFound("segment %s not found", seg.ID)
	}

	sitePrefix := allocator.ParseSitePrefix(m.sitePrefixes, seg.Site)
	if err := allocator.Validate(seg, existing, sitePrefix); err != nil {
		return nil, err
	}

	updated := *seg
	updated.VlanID = current.VlanID
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = m.now()

	// Allocation state is owned by Allocate and Release; an update document
	// never touches it.
	updated.ClusterName = current.ClusterName
	updated.Status = current.Status
	updated.Released = current.Released
	updated.AllocatedAt = current.AllocatedAt
	updated.ReleasedAt = current.ReleasedAt

	vlanChanged := current.VlanTag != seg.VlanTag ||
		!strings.EqualFold(current.Site, seg.Site) ||
		current.EPGName != seg.EPGName
	var vlanCreated bool
	if vlanChanged {
		groupSlug := m.siteConfig(seg.Site).VlanGroup
		vlan, created, err := m.res.Begin().Vlan(ctx, &types.ReferenceObject{
			Kind:    types.ReferenceVlan,
			Name:    vlanName(seg.Site, seg.VlanTag, seg.EPGName),
			VlanTag: seg.VlanTag,
			Group:   groupSlug,
		})
		if err != nil {
			return nil, err
		}
		updated.VlanID = vlan.ExternalID
		vlanCreated = created
	}

	value, err := m.retryWrite(ctx, "update-prefix", func(ctx context.Context) (interface{}, error) {
		return m.client.UpdatePrefix(ctx, &updated)
	})
	if err != nil {
		return nil, err
	}
	result, ok := value.(*types.Segment)
	if !ok {
		return nil, fmt.Errorf("unexpected result updating segment %s", updated.ID)
	}

	m.cache.Invalidate(segmentsKey)
	if vlanChanged {
		m.cleanupOrphanVlan(ctx, current)
	}
	if vlanCreated {
		m.publish(events.EventVlanCreated, result, fmt.Sprintf("vlan %d created", result.VlanTag))
	}
	m.publish(events.EventSegmentUpdated, result, fmt.Sprintf("segment %s updated", result.EPGName))

	logger.Info().
		Str("segment_id", result.ID).
		Str("site", result.Site).
		Msg("segment updated")
	return result, nil
}

// DeleteOne removes an unallocated segment. Deleting a segment currently
// held by a cluster is refused with a Conflict.
func (m *Manager) DeleteOne(ctx context.Context, id string) error {
	existing, err := m.listSegments(ctx)
	if err != nil {
		return err
	}
	current := findByID(existing, id)
	if current == nil {
		return errdefs.NotFound("segment %s not found", id)
	}
	if !allocator.CanDelete(current) {
		return errdefs.Conflict(current.ID, "segment %s is allocated to %s", id, current.ClusterName)
	}

	if _, err := m.retryWrite(ctx, "delete-prefix", func(ctx context.Context) (interface{}, error) {
		return nil, m.client.DeletePrefix(ctx, id)
	}); err != nil {
		return err
	}

	m.cache.Invalidate(segmentsKey)
	m.cleanupOrphanVlan(ctx, current)
	m.publish(events.EventSegmentDeleted, current, fmt.Sprintf("segment %s deleted", current.EPGName))

	logger := log.WithComponent("manager")
	logger.Info().
		Str("segment_id", id).
		Str("site", current.Site).
		Msg("segment deleted")
	return nil
}

// Allocate hands one unallocated segment at the site to clusterName
func (m *Manager) Allocate(ctx context.Context, site, clusterName, vrf string) (*types.Segment, error) {
	seg, err := m.alloc.Allocate(ctx, site, clusterName, vrf)
	if err != nil {
		return nil, err
	}
	m.publish(events.EventSegmentAllocated, seg, fmt.Sprintf("segment %s allocated to %s", seg.EPGName, clusterName))
	return seg, nil
}

// Release returns the segment held by clusterName at site to the pool
func (m *Manager) Release(ctx context.Context, clusterName, site string) (*types.Segment, error) {
	seg, err := m.alloc.Release(ctx, clusterName, site)
	if err != nil {
		return nil, err
	}
	m.publish(events.EventSegmentReleased, seg, fmt.Sprintf("segment %s released by %s", seg.EPGName, clusterName))
	return seg, nil
}

// ListSites returns the configured site names, sorted
func (m *Manager) ListSites() []string {
	sites := make([]string, 0, len(m.cfg.Sites))
	for name := range m.cfg.Sites {
		sites = append(sites, name)
	}
	sort.Strings(sites)
	return sites
}

// Stats summarizes the segment population per site and refreshes the
// segment gauges.
func (m *Manager) Stats(ctx context.Context) (*types.Stats, error) {
	segments, err := m.listSegments(ctx)
	if err != nil {
		return nil, err
	}

	bySite := make(map[string]*types.SiteStats)
	for _, seg := range segments {
		key := strings.ToLower(seg.Site)
		site, ok := bySite[key]
		if !ok {
			site = &types.SiteStats{Site: seg.Site}
			bySite[key] = site
		}
		site.Total++
		switch {
		case seg.Allocated():
			site.Allocated++
		default:
			site.Available++
		}
		if seg.Released {
			site.Released++
		}
		if seg.Active() {
			if _, ipnet, err := net.ParseCIDR(seg.CIDR); err == nil {
				site.AddressesTotal += cidr.AddressCount(ipnet)
			}
		}
	}

	stats := &types.Stats{}
	for _, site := range bySite {
		stats.Sites = append(stats.Sites, *site)
		stats.Total += site.Total
		stats.Allocated += site.Allocated

		metrics.SegmentsTotal.WithLabelValues(site.Site, "allocated").Set(float64(site.Allocated))
		metrics.SegmentsTotal.WithLabelValues(site.Site, "available").Set(float64(site.Available))
		metrics.SegmentsTotal.WithLabelValues(site.Site, "released").Set(float64(site.Released))
	}
	sort.Slice(stats.Sites, func(i, j int) bool {
		return stats.Sites[i].Site < stats.Sites[j].Site
	})
	return stats, nil
}

// listSegments loads the segment collection cache-first
func (m *Manager) listSegments(ctx context.Context) ([]*types.Segment, error) {
	value, err := m.cache.GetOrFetch(ctx, segmentsKey, m.segTTL, func(ctx context.Context) (interface{}, error) {
		return m.exec.SubmitRead(ctx, "list-prefixes", func(ctx context.Context) (interface{}, error) {
			return m.client.ListPrefixes(ctx)
		})
	})
	if err != nil {
		return nil, err
	}
	segments, ok := value.([]*types.Segment)
	if !ok {
		return nil, fmt.Errorf("unexpected cache value for %s", segmentsKey)
	}
	return segments, nil
}

// retryWrite submits a write-pool call, retrying transient failures with
// bounded exponential backoff. Non-transient errors fail immediately.
func (m *Manager) retryWrite(ctx context.Context, name string, fn executor.Task) (interface{}, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.Retry.InitialInterval.Std()
	policy.MaxInterval = m.cfg.Retry.MaxInterval.Std()
	policy.MaxElapsedTime = 0

	attempts := uint64(m.cfg.Retry.MaxAttempts)
	if attempts > 0 {
		attempts--
	}

	var result interface{}
	operation := func() error {
		value, err := m.exec.SubmitWrite(ctx, name, fn)
		if err != nil {
			if errdefs.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = value
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, attempts), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// cleanupOrphanVlan deletes old's VLAN when no remaining segment references
// it. Best effort: a failed cleanup is logged, never surfaced.
func (m *Manager) cleanupOrphanVlan(ctx context.Context, old *types.Segment) {
	if old.VlanID == 0 {
		return
	}
	logger := log.WithComponent("manager")

	segments, err := m.listSegments(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("orphan vlan check skipped")
		return
	}
	for _, seg := range segments {
		if seg.ID != old.ID && seg.VlanID == old.VlanID {
			return
		}
	}

	if _, err := m.exec.SubmitWrite(ctx, "delete-vlan", func(ctx context.Context) (interface{}, error) {
		return nil, m.client.DeleteVLAN(ctx, old.VlanID)
	}); err != nil {
		logger.Warn().
			Int64("vlan_id", old.VlanID).
			Err(err).
			Msg("orphan vlan cleanup failed")
		return
	}

	m.res.InvalidateVlan(vlanName(old.Site, old.VlanTag, old.EPGName))
	m.publish(events.EventVlanDeleted, old, fmt.Sprintf("vlan %d deleted", old.VlanTag))
}

// publish emits a lifecycle event. Delivery is best effort.
func (m *Manager) publish(t events.EventType, seg *types.Segment, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		Site:      seg.Site,
		SegmentID: seg.ID,
		Cluster:   seg.ClusterName,
		Message:   msg,
	})
}

func (m *Manager) siteConfig(site string) config.SiteConfig {
	for name, cfg := range m.cfg.Sites {
		if strings.EqualFold(name, site) {
			return cfg
		}
	}
	return config.SiteConfig{}
}

func findByID(segments []*types.Segment, id string) *types.Segment {
	for _, seg := range segments {
		if seg.ID == id {
			return seg
		}
	}
	return nil
}

// vlanName derives the natural VLAN name for a segment, e.g. site1_0100_web
func vlanName(site string, tag int, epg string) string {
	return fmt.Sprintf("%s_%04d_%s", strings.ToLower(site), tag, epg)
}
