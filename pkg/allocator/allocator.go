package allocator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/log"
	"github.com/ctrlnet/segmentd/pkg/metrics"
	"github.com/ctrlnet/segmentd/pkg/types"
)

// ListFunc loads the current segment population
type ListFunc func(ctx context.Context) ([]*types.Segment, error)

// UpdateFunc persists a segment's allocation state to the external system
type UpdateFunc func(ctx context.Context, seg *types.Segment) (*types.Segment, error)

// Allocator implements atomic allocate and release over the segment pool.
// The candidate selection and the mark-allocated write run as one critical
// section per site, so concurrent allocations over overlapping candidate
// pools can never both win the same segment.
type Allocator struct {
	list   ListFunc
	update UpdateFunc

	mu        sync.Mutex
	siteLocks map[string]*sync.Mutex

	// now is the clock, injectable for tests
	now func() time.Time
}

// New creates an allocator over the given load and persist hooks
func New(list ListFunc, update UpdateFunc) *Allocator {
	return &Allocator{
		list:      list,
		update:    update,
		siteLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// SetClock overrides the allocator clock (tests only)
func (a *Allocator) SetClock(now func() time.Time) {
	a.now = now
}

// siteLock returns the mutex guarding one site's allocation state
func (a *Allocator) siteLock(site string) *sync.Mutex {
	key := strings.ToLower(site)
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.siteLocks[key]
	if !ok {
		l = &sync.Mutex{}
		a.siteLocks[key] = l
	}
	return l
}

// Allocate selects one unallocated segment at the site (matching vrf when
// supplied), marks it allocated to clusterName, and returns it. Selection
// is deterministic: the lowest VLAN tag wins. Returns NotFound when the
// pool is exhausted.
func (a *Allocator) Allocate(ctx context.Context, site, clusterName, vrf string) (*types.Segment, error) {
	logger := log.WithComponent("allocator")
	lock := a.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	segments, err := a.list(ctx)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues(site, "error").Inc()
		return nil, err
	}

	var candidates []*types.Segment
	for _, seg := range segments {
		if !strings.EqualFold(seg.Site, site) {
			continue
		}
		if seg.ClusterName != "" {
			continue
		}
		if vrf != "" && seg.VRF != vrf {
			continue
		}
		candidates = append(candidates, seg)
	}
	if len(candidates) == 0 {
		metrics.AllocationsTotal.WithLabelValues(site, "exhausted").Inc()
		return nil, errdefs.NotFound("no unallocated segment available at site %s", site)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].VlanTag < candidates[j].VlanTag
	})
	selected := candidates[0]

	marked := *selected
	marked.ClusterName = clusterName
	marked.Status = types.SegmentStatusReserved
	marked.Released = false
	marked.ReleasedAt = time.Time{}
	marked.AllocatedAt = a.now()
	marked.UpdatedAt = marked.AllocatedAt

	updated, err := a.update(ctx, &marked)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues(site, "error").Inc()
		return nil, err
	}

	// A different winner coming back means two allocations raced past the
	// critical section, i.e. the external state moved underneath us.
	if updated.ClusterName != clusterName {
		metrics.InvariantViolations.Inc()
		logger.Error().
			Str("violation", "double_allocation").
			Str("segment_id", selected.ID).
			Str("site", site).
			Str("expected_cluster", clusterName).
			Str("actual_cluster", updated.ClusterName).
			Msg("segment allocated to a different cluster during mark")
		return nil, errdefs.Invariant("segment %s was concurrently allocated to %q", selected.ID, updated.ClusterName)
	}

	metrics.AllocationsTotal.WithLabelValues(site, "ok").Inc()
	logger.Info().
		Str("segment_id", updated.ID).
		Str("site", site).
		Str("cluster", clusterName).
		Int("vlan_tag", updated.VlanTag).
		Msg("segment allocated")
	return updated, nil
}

// Release returns the segment held by clusterName at site to the pool.
// Segments shared by several clusters (comma-joined cluster_name) stay
// allocated until the last holder releases. Idempotent: releasing an
// already-released or unknown pairing returns NotFound.
func (a *Allocator) Release(ctx context.Context, clusterName, site string) (*types.Segment, error) {
	lock := a.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	segments, err := a.list(ctx)
	if err != nil {
		metrics.ReleasesTotal.WithLabelValues(site, "error").Inc()
		return nil, err
	}

	var held *types.Segment
	for _, seg := range segments {
		if strings.EqualFold(seg.Site, site) && seg.Allocated() && holdsCluster(seg.ClusterName, clusterName) {
			held = seg
			break
		}
	}
	if held == nil {
		metrics.ReleasesTotal.WithLabelValues(site, "not_found").Inc()
		return nil, errdefs.NotFound("no segment allocated to cluster %s at site %s", clusterName, site)
	}

	released := *held
	remaining := removeCluster(held.ClusterName, clusterName)
	released.ClusterName = remaining
	released.UpdatedAt = a.now()
	if remaining == "" {
		released.Status = types.SegmentStatusActive
		released.Released = true
		released.ReleasedAt = released.UpdatedAt
	}

	updated, err := a.update(ctx, &released)
	if err != nil {
		metrics.ReleasesTotal.WithLabelValues(site, "error").Inc()
		return nil, err
	}

	metrics.ReleasesTotal.WithLabelValues(site, "ok").Inc()
	logger := log.WithComponent("allocator")
	logger.Info().
		Str("segment_id", updated.ID).
		Str("site", site).
		Str("cluster", clusterName).
		Bool("fully_released", remaining == "").
		Msg("segment released")
	return updated, nil
}

// CanDelete reports whether the segment may be deleted: permitted only from
// the unallocated and released states.
func CanDelete(seg *types.Segment) bool {
	return !seg.Allocated()
}

// holdsCluster reports whether the comma-joined holder list contains name
func holdsCluster(joined, name string) bool {
	for _, holder := range strings.Split(joined, ",") {
		if strings.TrimSpace(holder) == name {
			return true
		}
	}
	return false
}

// removeCluster drops name from the comma-joined holder list
func removeCluster(joined, name string) string {
	var kept []string
	for _, holder := range strings.Split(joined, ",") {
		holder = strings.TrimSpace(holder)
		if holder != "" && holder != name {
			kept = append(kept, holder)
		}
	}
	return strings.Join(kept, ",")
}
