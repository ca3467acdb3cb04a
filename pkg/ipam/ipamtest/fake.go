// Package ipamtest provides an in-memory ipam.Client fake for tests.
package ipamtest

import (
	"context"
	"strings"
	"sync"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/ipam"
	"github.com/ctrlnet/segmentd/pkg/types"
)

// Fake is an in-memory IPAM system of record. All methods are safe for
// concurrent use. Call counts are tracked per operation so tests can assert
// on the number of external round trips.
type Fake struct {
	mu         sync.Mutex
	References map[string]*types.ReferenceObject // keyed by kind:naturalKey
	Vlans      map[string]*types.ReferenceObject // keyed by name
	Prefixes   map[string]*types.Segment         // keyed by segment ID
	Calls      map[string]int

	// Fail, when set, makes operations return this error. With FailN at its
	// zero value every operation fails; a positive FailN fails only the next
	// FailN operations, then clears Fail.
	Fail  error
	FailN int

	nextID int64
}

var _ ipam.Client = (*Fake)(nil)

// New creates an empty fake
func New() *Fake {
	return &Fake{
		References: make(map[string]*types.ReferenceObject),
		Vlans:      make(map[string]*types.ReferenceObject),
		Prefixes:   make(map[string]*types.Segment),
		Calls:      make(map[string]int),
		nextID:     1,
	}
}

// AddReference seeds a pre-provisioned reference object
func (f *Fake) AddReference(kind types.ReferenceKind, name string) *types.ReferenceObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := &types.ReferenceObject{Kind: kind, ExternalID: f.nextID, Name: name, Slug: name}
	f.nextID++
	f.References[string(kind)+":"+name] = obj
	return obj
}

// AddSegment seeds a prefix
func (f *Fake) AddSegment(seg *types.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *seg
	f.Prefixes[seg.ID] = &copied
}

// CallCount returns how many times op ran
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[op]++
	if f.Fail == nil {
		return nil
	}
	if f.FailN == 0 {
		return f.Fail
	}
	err := f.Fail
	f.FailN--
	if f.FailN == 0 {
		f.Fail = nil
	}
	return err
}

func (f *Fake) getReference(op string, kind types.ReferenceKind, name string) (*types.ReferenceObject, error) {
	if err := f.record(op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.References[string(kind)+":"+name]; ok {
		copied := *obj
		return &copied, nil
	}
	return nil, errdefs.NotFound("%s %q not found", kind, name)
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.record("ping")
}

func (f *Fake) GetSiteGroup(ctx context.Context, slug string) (*types.ReferenceObject, error) {
	return f.getReference("get-site-group", types.ReferenceSiteGroup, slug)
}

func (f *Fake) GetVRF(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return f.getReference("get-vrf", types.ReferenceVRF, name)
}

func (f *Fake) GetTenant(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return f.getReference("get-tenant", types.ReferenceTenant, name)
}

func (f *Fake) GetRole(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return f.getReference("get-role", types.ReferenceRole, name)
}

func (f *Fake) GetVLANGroup(ctx context.Context, slug string) (*types.ReferenceObject, error) {
	return f.getReference("get-vlan-group", types.ReferenceVlanGroup, slug)
}

func (f *Fake) CreateVLANGroup(ctx context.Context, name, slug string) (*types.ReferenceObject, error) {
	if err := f.record("create-vlan-group"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := &types.ReferenceObject{Kind: types.ReferenceVlanGroup, ExternalID: f.nextID, Name: name, Slug: slug}
	f.nextID++
	f.References[string(types.ReferenceVlanGroup)+":"+slug] = obj
	copied := *obj
	return &copied, nil
}

func (f *Fake) GetVLAN(ctx context.Context, name string) (*types.ReferenceObject, error) {
	if err := f.record("get-vlan"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if vlan, ok := f.Vlans[name]; ok {
		copied := *vlan
		return &copied, nil
	}
	return nil, errdefs.NotFound("vlan %q not found", name)
}

func (f *Fake) CreateVLAN(ctx context.Context, vlan *types.ReferenceObject) (*types.ReferenceObject, error) {
	if err := f.record("create-vlan"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *vlan
	created.Kind = types.ReferenceVlan
	created.ExternalID = f.nextID
	f.nextID++
	f.Vlans[vlan.Name] = &created
	copied := created
	return &copied, nil
}

func (f *Fake) UpdateVLAN(ctx context.Context, vlan *types.ReferenceObject) error {
	if err := f.record("update-vlan"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, existing := range f.Vlans {
		if existing.ExternalID == vlan.ExternalID {
			delete(f.Vlans, name)
			copied := *vlan
			f.Vlans[vlan.Name] = &copied
			return nil
		}
	}
	return errdefs.NotFound("vlan %d not found", vlan.ExternalID)
}

func (f *Fake) DeleteVLAN(ctx context.Context, id int64) error {
	if err := f.record("delete-vlan"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, existing := range f.Vlans {
		if existing.ExternalID == id {
			delete(f.Vlans, name)
			return nil
		}
	}
	return errdefs.NotFound("vlan %d not found", id)
}

func (f *Fake) ListPrefixes(ctx context.Context) ([]*types.Segment, error) {
	if err := f.record("list-prefixes"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Segment, 0, len(f.Prefixes))
	for _, seg := range f.Prefixes {
		copied := *seg
		out = append(out, &copied)
	}
	return out, nil
}

func (f *Fake) GetPrefix(ctx context.Context, id string) (*types.Segment, error) {
	if err := f.record("get-prefix"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if seg, ok := f.Prefixes[id]; ok {
		copied := *seg
		return &copied, nil
	}
	return nil, errdefs.NotFound("segment %s not found", id)
}

func (f *Fake) CreatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	if err := f.record("create-prefix"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *seg
	f.Prefixes[seg.ID] = &copied
	result := copied
	return &result, nil
}

func (f *Fake) UpdatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	if err := f.record("update-prefix"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Prefixes[seg.ID]; !ok {
		return nil, errdefs.NotFound("segment %s not found", seg.ID)
	}
	copied := *seg
	f.Prefixes[seg.ID] = &copied
	result := copied
	return &result, nil
}

func (f *Fake) DeletePrefix(ctx context.Context, id string) error {
	if err := f.record("delete-prefix"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Prefixes[id]; !ok {
		return errdefs.NotFound("segment %s not found", id)
	}
	delete(f.Prefixes, id)
	return nil
}

// VlanByName returns the stored VLAN (tests only)
func (f *Fake) VlanByName(name string) *types.ReferenceObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vlan, ok := f.Vlans[name]; ok {
		copied := *vlan
		return &copied
	}
	return nil
}

// SegmentByID returns the stored segment (tests only)
func (f *Fake) SegmentByID(id string) *types.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seg, ok := f.Prefixes[id]; ok {
		copied := *seg
		return &copied
	}
	return nil
}

// HasVlan reports whether any stored VLAN name contains fragment
func (f *Fake) HasVlan(fragment string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name := range f.Vlans {
		if strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}
