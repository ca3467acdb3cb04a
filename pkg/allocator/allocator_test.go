package allocator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/types"
)

// fakePool is an in-memory segment store standing in for the external system
type fakePool struct {
	mu       sync.Mutex
	segments map[string]*types.Segment
}

func newFakePool(segments ...*types.Segment) *fakePool {
	p := &fakePool{segments: make(map[string]*types.Segment)}
	for _, seg := range segments {
		copied := *seg
		p.segments[seg.ID] = &copied
	}
	return p
}

func (p *fakePool) list(ctx context.Context) ([]*types.Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Segment, 0, len(p.segments))
	for _, seg := range p.segments {
		copied := *seg
		out = append(out, &copied)
	}
	return out, nil
}

func (p *fakePool) update(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.segments[seg.ID]; !ok {
		return nil, errdefs.NotFound("segment %s not found", seg.ID)
	}
	copied := *seg
	p.segments[seg.ID] = &copied
	result := copied
	return &result, nil
}

func unallocated(id, site string, tag int) *types.Segment {
	return &types.Segment{
		ID:      id,
		Site:    site,
		VlanTag: tag,
		CIDR:    fmt.Sprintf("192.168.%d.0/24", tag%250),
		EPGName: fmt.Sprintf("epg-%d", tag),
		Status:  types.SegmentStatusActive,
	}
}

func TestAllocateSelectsLowestVlanTag(t *testing.T) {
	pool := newFakePool(
		unallocated("seg-b", "site1", 200),
		unallocated("seg-a", "site1", 100),
		unallocated("seg-c", "site1", 300),
	)
	a := New(pool.list, pool.update)

	seg, err := a.Allocate(context.Background(), "site1", "c1", "")
	require.NoError(t, err)
	assert.Equal(t, 100, seg.VlanTag)
	assert.Equal(t, "c1", seg.ClusterName)
	assert.Equal(t, types.SegmentStatusReserved, seg.Status)
	assert.False(t, seg.AllocatedAt.IsZero())
}

func TestAllocateSiteIsCaseInsensitive(t *testing.T) {
	pool := newFakePool(unallocated("seg-1", "site1", 100))
	a := New(pool.list, pool.update)

	seg, err := a.Allocate(context.Background(), "SITE1", "c1", "")
	require.NoError(t, err)
	assert.Equal(t, "seg-1", seg.ID)
}

func TestAllocateFiltersByVRF(t *testing.T) {
	prod := unallocated("seg-prod", "site1", 100)
	prod.VRF = "prod-vrf"
	lab := unallocated("seg-lab", "site1", 200)
	lab.VRF = "lab-vrf"
	pool := newFakePool(prod, lab)
	a := New(pool.list, pool.update)

	seg, err := a.Allocate(context.Background(), "site1", "c1", "lab-vrf")
	require.NoError(t, err)
	assert.Equal(t, "seg-lab", seg.ID)

	_, err = a.Allocate(context.Background(), "site1", "c2", "absent-vrf")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAllocateExhaustedPool(t *testing.T) {
	held := unallocated("seg-1", "site1", 100)
	held.ClusterName = "someone"
	pool := newFakePool(held)
	a := New(pool.list, pool.update)

	_, err := a.Allocate(context.Background(), "site1", "c1", "")
	assert.True(t, errdefs.IsNotFound(err), "expected exhaustion, got %v", err)
}

// K concurrent allocations against M < K free segments must yield exactly M
// successes with no segment handed out twice.
func TestConcurrentAllocationNeverDoubleAllocates(t *testing.T) {
	const m = 5
	const k = 20

	segments := make([]*types.Segment, 0, m)
	for i := 0; i < m; i++ {
		segments = append(segments, unallocated(fmt.Sprintf("seg-%d", i), "site1", 100+i))
	}
	pool := newFakePool(segments...)
	a := New(pool.list, pool.update)

	var wg sync.WaitGroup
	results := make([]*types.Segment, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Allocate(context.Background(), "site1", fmt.Sprintf("cluster-%d", i), "")
		}(i)
	}
	wg.Wait()

	won := map[string]string{}
	successes := 0
	for i := 0; i < k; i++ {
		if errs[i] == nil {
			successes++
			prev, taken := won[results[i].ID]
			require.False(t, taken, "segment %s allocated to both %s and %s", results[i].ID, prev, results[i].ClusterName)
			won[results[i].ID] = results[i].ClusterName
		} else {
			assert.True(t, errdefs.IsNotFound(errs[i]), "losers must see exhaustion, got %v", errs[i])
		}
	}
	assert.Equal(t, m, successes)
}

func TestReleaseMakesSegmentAllocatableAgain(t *testing.T) {
	pool := newFakePool(unallocated("seg-1", "site1", 100))
	a := New(pool.list, pool.update)

	_, err := a.Allocate(context.Background(), "site1", "c1", "")
	require.NoError(t, err)

	released, err := a.Release(context.Background(), "c1", "site1")
	require.NoError(t, err)
	assert.Empty(t, released.ClusterName)
	assert.True(t, released.Released)
	assert.False(t, released.ReleasedAt.IsZero())

	// The released segment goes back into the pool
	seg, err := a.Allocate(context.Background(), "site1", "c2", "")
	require.NoError(t, err)
	assert.Equal(t, "seg-1", seg.ID)
	assert.Equal(t, "c2", seg.ClusterName)
	assert.False(t, seg.Released)
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool := newFakePool(unallocated("seg-1", "site1", 100))
	a := New(pool.list, pool.update)

	_, err := a.Allocate(context.Background(), "site1", "c1", "")
	require.NoError(t, err)

	_, err = a.Release(context.Background(), "c1", "site1")
	require.NoError(t, err)

	// Releasing again, or releasing a cluster that never held anything,
	// reports NotFound instead of failing unexpectedly.
	_, err = a.Release(context.Background(), "c1", "site1")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = a.Release(context.Background(), "ghost", "site1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestReleaseSharedSegmentKeepsOtherHolders(t *testing.T) {
	shared := unallocated("seg-1", "site1", 100)
	shared.ClusterName = "c1,c2"
	pool := newFakePool(shared)
	a := New(pool.list, pool.update)

	seg, err := a.Release(context.Background(), "c1", "site1")
	require.NoError(t, err)
	assert.Equal(t, "c2", seg.ClusterName)
	assert.False(t, seg.Released, "segment still held by c2 must not be released")

	seg, err = a.Release(context.Background(), "c2", "site1")
	require.NoError(t, err)
	assert.Empty(t, seg.ClusterName)
	assert.True(t, seg.Released)
}

// A mark that comes back holding a different cluster means the external
// state moved underneath the critical section; that is an invariant
// violation, not a retryable error.
func TestAllocateDetectsForeignMark(t *testing.T) {
	pool := newFakePool(unallocated("seg-1", "site1", 100))
	a := New(pool.list, func(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
		hijacked := *seg
		hijacked.ClusterName = "intruder"
		return &hijacked, nil
	})

	_, err := a.Allocate(context.Background(), "site1", "c1", "")
	assert.True(t, errdefs.IsInvariant(err), "expected InvariantViolation, got %v", err)
}

func TestAllocateClockIsInjectable(t *testing.T) {
	pool := newFakePool(unallocated("seg-1", "site1", 100))
	a := New(pool.list, pool.update)

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return fixed })

	seg, err := a.Allocate(context.Background(), "site1", "c1", "")
	require.NoError(t, err)
	assert.Equal(t, fixed, seg.AllocatedAt)
}

func TestCanDelete(t *testing.T) {
	free := unallocated("seg-1", "site1", 100)
	assert.True(t, CanDelete(free))

	held := unallocated("seg-2", "site1", 101)
	held.ClusterName = "c1"
	assert.False(t, CanDelete(held))

	released := unallocated("seg-3", "site1", 102)
	released.Released = true
	assert.True(t, CanDelete(released))
}
