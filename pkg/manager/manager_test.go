package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlnet/segmentd/pkg/cache"
	"github.com/ctrlnet/segmentd/pkg/config"
	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/events"
	"github.com/ctrlnet/segmentd/pkg/executor"
	"github.com/ctrlnet/segmentd/pkg/ipam/ipamtest"
	"github.com/ctrlnet/segmentd/pkg/resolver"
	"github.com/ctrlnet/segmentd/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: config.Duration(time.Millisecond),
			MaxInterval:     config.Duration(5 * time.Millisecond),
		},
		Cache: config.CacheConfig{DefaultTTL: config.Duration(time.Minute)},
		Sites: map[string]config.SiteConfig{
			"site1": {Prefix: "192.168.0.0/16", VlanGroup: "site1-vlans", SiteGroup: "dc-east"},
		},
	}
}

func newTestManager(t *testing.T, fake *ipamtest.Fake) (*Manager, *events.Broker) {
	t.Helper()
	fake.AddReference(types.ReferenceSiteGroup, "dc-east")

	part := executor.NewPartition(4, 1, time.Second)
	part.Start()
	t.Cleanup(part.Stop)

	c := cache.NewMemoryCache(time.Minute)
	res := resolver.New(c, part, fake, time.Hour)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(testConfig(), c, part, fake, res, broker), broker
}

func webSegment() *types.Segment {
	return &types.Segment{
		Site:    "site1",
		VlanTag: 100,
		CIDR:    "192.168.1.0/24",
		EPGName: "web",
	}
}

func awaitEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestInsertCreatesSegmentAndVlan(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)

	created, err := m.InsertOne(context.Background(), webSegment())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotZero(t, created.VlanID)
	assert.Equal(t, types.SegmentStatusActive, created.Status)
	assert.False(t, created.CreatedAt.IsZero())

	assert.True(t, fake.HasVlan("site1_0100_web"), "vlan provisioned under derived name")
	assert.Equal(t, 1, fake.CallCount("create-vlan-group"))
	assert.NotNil(t, fake.SegmentByID(created.ID))
}

func TestInsertRejectsUnknownSite(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)

	seg := webSegment()
	seg.Site = "nowhere"
	_, err := m.InsertOne(context.Background(), seg)
	assert.True(t, errdefs.IsValidation(err), "expected Validation, got %v", err)
	assert.Equal(t, 0, fake.CallCount("create-prefix"))
}

func TestInsertRequiresPreProvisionedVRF(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)

	seg := webSegment()
	seg.VRF = "ghost-vrf"
	_, err := m.InsertOne(context.Background(), seg)
	assert.True(t, errdefs.IsNotFound(err), "expected NotFound, got %v", err)
	assert.Equal(t, 0, fake.CallCount("create-prefix"))
	assert.Equal(t, 0, fake.CallCount("create-vlan"), "vrf miss must abort before vlan provisioning")
}

func TestInsertRejectsOverlapBeforeProvisioning(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)

	_, err := m.InsertOne(context.Background(), webSegment())
	require.NoError(t, err)
	vlans := fake.CallCount("create-vlan")

	overlapping := &types.Segment{Site: "site1", VlanTag: 101, CIDR: "192.168.1.0/25", EPGName: "app"}
	_, err = m.InsertOne(context.Background(), overlapping)
	assert.True(t, errdefs.IsConflict(err), "expected Conflict, got %v", err)
	assert.Equal(t, vlans, fake.CallCount("create-vlan"), "rejected candidate must not provision a vlan")
	assert.Equal(t, 1, fake.CallCount("create-prefix"))
}

func TestFindServesFromCache(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)

	_, err := m.Find(context.Background(), types.Predicate{})
	require.NoError(t, err)
	_, err = m.Find(context.Background(), types.Predicate{})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount("list-prefixes"))
}

func TestInsertInvalidatesSegmentCache(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	segments, err := m.Find(ctx, types.Predicate{})
	require.NoError(t, err)
	assert.Empty(t, segments)

	_, err = m.InsertOne(ctx, webSegment())
	require.NoError(t, err)

	segments, err = m.Find(ctx, types.Predicate{Site: "SITE1"})
	require.NoError(t, err)
	assert.Len(t, segments, 1, "post-insert read must see the new segment")
}

func TestFindOneNotFound(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)

	_, err := m.FindOne(context.Background(), types.Predicate{EPGName: "absent"})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUpdateMovesVlanAndCleansOrphan(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	created, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)

	moved := *created
	moved.VlanTag = 200
	updated, err := m.UpdateOne(ctx, &moved)
	require.NoError(t, err)
	assert.Equal(t, 200, updated.VlanTag)
	assert.NotEqual(t, created.VlanID, updated.VlanID)

	assert.True(t, fake.HasVlan("site1_0200_web"))
	assert.False(t, fake.HasVlan("site1_0100_web"), "orphaned vlan must be cleaned up")
	assert.Equal(t, 1, fake.CallCount("delete-vlan"))
}

func TestUpdateWithoutVlanChangeIssuesNoVlanWrites(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	created, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)
	vlans := fake.CallCount("create-vlan")

	changed := *created
	changed.Description = "frontend tier"
	updated, err := m.UpdateOne(ctx, &changed)
	require.NoError(t, err)
	assert.Equal(t, "frontend tier", updated.Description)
	assert.Equal(t, created.VlanID, updated.VlanID)
	assert.Equal(t, vlans, fake.CallCount("create-vlan"))
	assert.Equal(t, 0, fake.CallCount("delete-vlan"))
}

// Allocation state belongs to Allocate/Release: an update document that
// only edits descriptive fields must not disturb it.
func TestUpdatePreservesAllocation(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	created, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)
	allocated, err := m.Allocate(ctx, "site1", "c1", "")
	require.NoError(t, err)

	// The caller's document carries no allocation state at all
	edit := *created
	edit.Description = "frontend tier"
	updated, err := m.UpdateOne(ctx, &edit)
	require.NoError(t, err)

	assert.Equal(t, "frontend tier", updated.Description)
	assert.Equal(t, "c1", updated.ClusterName)
	assert.Equal(t, types.SegmentStatusReserved, updated.Status)
	assert.False(t, updated.Released)
	assert.Equal(t, allocated.AllocatedAt, updated.AllocatedAt)

	// The segment is still held: nobody else can win it
	_, err = m.Allocate(ctx, "site1", "c2", "")
	assert.True(t, errdefs.IsNotFound(err), "held segment must not be re-allocated, got %v", err)
}

func TestUpdateUnknownSegment(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)

	seg := webSegment()
	seg.ID = "missing"
	_, err := m.UpdateOne(context.Background(), seg)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteRefusedWhileAllocated(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	created, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)

	_, err = m.Allocate(ctx, "site1", "c1", "")
	require.NoError(t, err)

	err = m.DeleteOne(ctx, created.ID)
	assert.True(t, errdefs.IsConflict(err), "expected Conflict, got %v", err)

	_, err = m.Release(ctx, "c1", "site1")
	require.NoError(t, err)

	require.NoError(t, m.DeleteOne(ctx, created.ID))
	assert.Nil(t, fake.SegmentByID(created.ID))
	assert.False(t, fake.HasVlan("site1_0100_web"), "deleting the last referencing segment removes the vlan")
}

func TestTransientWritesAreRetried(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	_, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)

	// Prime the collection cache so the next external call is the write
	_, err = m.Find(ctx, types.Predicate{})
	require.NoError(t, err)

	before := fake.CallCount("update-prefix")
	fake.Fail = errdefs.Transient("backend blip")
	fake.FailN = 1

	seg, err := m.Allocate(ctx, "site1", "c1", "")
	require.NoError(t, err, "a single transient failure must be retried away")
	assert.Equal(t, "c1", seg.ClusterName)
	assert.Equal(t, before+2, fake.CallCount("update-prefix"))
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	created, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)

	bad := *created
	bad.CIDR = "not-a-cidr"
	_, err = m.UpdateOne(ctx, &bad)
	assert.True(t, errdefs.IsValidation(err))
	assert.Equal(t, 0, fake.CallCount("update-prefix"))
}

func TestStats(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	_, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)
	_, err = m.InsertOne(ctx, &types.Segment{Site: "site1", VlanTag: 101, CIDR: "192.168.2.0/24", EPGName: "app"})
	require.NoError(t, err)
	_, err = m.Allocate(ctx, "site1", "c1", "")
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Sites, 1)
	site := stats.Sites[0]
	assert.Equal(t, "site1", site.Site)
	assert.Equal(t, 2, site.Total)
	assert.Equal(t, 1, site.Allocated)
	assert.Equal(t, 1, site.Available)
	assert.Equal(t, uint64(512), site.AddressesTotal, "two /24 networks")
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Allocated)
}

func TestListSites(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	assert.Equal(t, []string{"site1"}, m.ListSites())
}

func TestLifecycleEventsPublished(t *testing.T) {
	fake := ipamtest.New()
	m, broker := newTestManager(t, fake)
	ctx := context.Background()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	_, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)

	first := awaitEvent(t, sub)
	assert.Equal(t, events.EventVlanCreated, first.Type)
	second := awaitEvent(t, sub)
	assert.Equal(t, events.EventSegmentCreated, second.Type)
	assert.Equal(t, "site1", second.Site)
	assert.NotEmpty(t, second.SegmentID)

	_, err = m.Allocate(ctx, "site1", "c1", "")
	require.NoError(t, err)
	allocated := awaitEvent(t, sub)
	assert.Equal(t, events.EventSegmentAllocated, allocated.Type)
	assert.Equal(t, "c1", allocated.Cluster)
}

// End-to-end walk through the allocation lifecycle: provision, reject an
// overlapping candidate, allocate, release, and re-allocate the freed
// segment.
func TestSegmentLifecycle(t *testing.T) {
	fake := ipamtest.New()
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	created, err := m.InsertOne(ctx, webSegment())
	require.NoError(t, err)

	_, err = m.InsertOne(ctx, &types.Segment{Site: "site1", VlanTag: 101, CIDR: "192.168.1.0/25", EPGName: "app"})
	require.True(t, errdefs.IsConflict(err), "overlapping candidate must be rejected")

	allocated, err := m.Allocate(ctx, "site1", "c1", "")
	require.NoError(t, err)
	assert.Equal(t, created.ID, allocated.ID)
	assert.Equal(t, 100, allocated.VlanTag)

	released, err := m.Release(ctx, "c1", "site1")
	require.NoError(t, err)
	assert.True(t, released.Released)
	assert.Empty(t, released.ClusterName)

	again, err := m.Allocate(ctx, "site1", "c2", "")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID, "released segment returns to the pool")
	assert.Equal(t, "c2", again.ClusterName)
	assert.False(t, again.Released)
}
