package ipam

import (
	"context"

	"github.com/ctrlnet/segmentd/pkg/types"
)

// Client is the external IPAM system of record. All calls are synchronous
// and blocking; callers dispatch them through the executor partition.
//
// Errors are classified with pkg/errdefs: NotFound for absent objects,
// Transient for timeouts and connection failures.
type Client interface {
	// Ping verifies the system is reachable
	Ping(ctx context.Context) error

	// Reference objects, pre-provisioned externally (get-only)
	GetSiteGroup(ctx context.Context, slug string) (*types.ReferenceObject, error)
	GetVRF(ctx context.Context, name string) (*types.ReferenceObject, error)
	GetTenant(ctx context.Context, name string) (*types.ReferenceObject, error)
	GetRole(ctx context.Context, name string) (*types.ReferenceObject, error)

	// VLAN groups and VLANs (get-or-create)
	GetVLANGroup(ctx context.Context, slug string) (*types.ReferenceObject, error)
	CreateVLANGroup(ctx context.Context, name, slug string) (*types.ReferenceObject, error)
	GetVLAN(ctx context.Context, name string) (*types.ReferenceObject, error)
	CreateVLAN(ctx context.Context, vlan *types.ReferenceObject) (*types.ReferenceObject, error)
	UpdateVLAN(ctx context.Context, vlan *types.ReferenceObject) error
	DeleteVLAN(ctx context.Context, id int64) error

	// Prefixes back the Segment entity
	ListPrefixes(ctx context.Context) ([]*types.Segment, error)
	GetPrefix(ctx context.Context, id string) (*types.Segment, error)
	CreatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error)
	UpdatePrefix(ctx context.Context, seg *types.Segment) (*types.Segment, error)
	DeletePrefix(ctx context.Context, id string) error
}
