package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/ctrlnet/segmentd/pkg/cache"
	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/executor"
	"github.com/ctrlnet/segmentd/pkg/ipam"
	"github.com/ctrlnet/segmentd/pkg/log"
	"github.com/ctrlnet/segmentd/pkg/types"
)

// Resolver performs cache-first lookup and creation of reference objects.
// Reference objects change rarely, so they carry a long TTL; every external
// round trip goes through the executor partition.
type Resolver struct {
	cache  cache.Cache
	exec   *executor.Partition
	client ipam.Client
	refTTL time.Duration
}

// New creates a resolver
func New(c cache.Cache, exec *executor.Partition, client ipam.Client, refTTL time.Duration) *Resolver {
	return &Resolver{cache: c, exec: exec, client: client, refTTL: refTTL}
}

// Begin opens a resolution context for one logical transaction. Reference
// objects resolved through it are memoized, so creating a segment together
// with its VLAN resolves each shared reference exactly once.
func (r *Resolver) Begin() *Resolution {
	return &Resolution{r: r, memo: make(map[string]*types.ReferenceObject)}
}

// Resolution memoizes reference lookups within one logical transaction
type Resolution struct {
	r    *Resolver
	memo map[string]*types.ReferenceObject
}

// getOnly is the lookup policy for externally provisioned objects: cache
// first, then a read-pool call; absence is a NotFound, never a create.
func (res *Resolution) getOnly(ctx context.Context, key string, fetch func(ctx context.Context) (interface{}, error)) (*types.ReferenceObject, error) {
	if obj, ok := res.memo[key]; ok {
		return obj, nil
	}

	value, err := res.r.cache.GetOrFetch(ctx, key, res.r.refTTL, func(ctx context.Context) (interface{}, error) {
		return res.r.exec.SubmitRead(ctx, key, fetch)
	})
	if err != nil {
		return nil, err
	}
	obj, ok := value.(*types.ReferenceObject)
	if !ok {
		return nil, fmt.Errorf("unexpected cache value for %s", key)
	}
	res.memo[key] = obj
	return obj, nil
}

// SiteGroup resolves a site group. Site groups must be pre-provisioned
// externally; a miss is a NotFound, not a create.
func (res *Resolution) SiteGroup(ctx context.Context, slug string) (*types.ReferenceObject, error) {
	return res.getOnly(ctx, "site-group:"+slug, func(ctx context.Context) (interface{}, error) {
		return res.r.client.GetSiteGroup(ctx, slug)
	})
}

// VRF resolves a VRF by name (get-only)
func (res *Resolution) VRF(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return res.getOnly(ctx, "vrf:"+name, func(ctx context.Context) (interface{}, error) {
		return res.r.client.GetVRF(ctx, name)
	})
}

// Tenant resolves a tenant by name (get-only)
func (res *Resolution) Tenant(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return res.getOnly(ctx, "tenant:"+name, func(ctx context.Context) (interface{}, error) {
		return res.r.client.GetTenant(ctx, name)
	})
}

// Role resolves a role by name (get-only)
func (res *Resolution) Role(ctx context.Context, name string) (*types.ReferenceObject, error) {
	return res.getOnly(ctx, "role:"+name, func(ctx context.Context) (interface{}, error) {
		return res.r.client.GetRole(ctx, name)
	})
}

// VlanGroup resolves a VLAN group, creating it when absent. Callers treat
// group resolution as best-effort: a failure here must not abort the
// enclosing operation.
func (res *Resolution) VlanGroup(ctx context.Context, name, slug string) (*types.ReferenceObject, error) {
	key := "vlan-group:" + slug
	if obj, ok := res.memo[key]; ok {
		return obj, nil
	}

	value, err := res.r.cache.GetOrFetch(ctx, key, res.r.refTTL, func(ctx context.Context) (interface{}, error) {
		return res.r.exec.SubmitRead(ctx, key, func(ctx context.Context) (interface{}, error) {
			return res.r.client.GetVLANGroup(ctx, slug)
		})
	})
	if err == nil {
		obj, ok := value.(*types.ReferenceObject)
		if !ok {
			return nil, fmt.Errorf("unexpected cache value for %s", key)
		}
		res.memo[key] = obj
		return obj, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	created, err := res.r.exec.SubmitWrite(ctx, "create-vlan-group", func(ctx context.Context) (interface{}, error) {
		return res.r.client.CreateVLANGroup(ctx, name, slug)
	})
	if err != nil {
		return nil, err
	}
	obj, ok := created.(*types.ReferenceObject)
	if !ok {
		return nil, fmt.Errorf("unexpected result creating vlan group %s", slug)
	}
	res.r.cache.Set(key, obj, res.r.refTTL)
	res.memo[key] = obj
	return obj, nil
}

// Vlan resolves a VLAN by natural key, creating it when absent. When the
// VLAN exists but its mutable fields (group) differ from desired, a single
// write-pool update brings it in line; an unchanged VLAN issues no write.
// The second return reports whether the VLAN was created.
func (res *Resolution) Vlan(ctx context.Context, desired *types.ReferenceObject) (*types.ReferenceObject, bool, error) {
	key := "vlan:" + desired.Name
	if obj, ok := res.memo[key]; ok {
		return obj, false, nil
	}

	value, err := res.r.cache.GetOrFetch(ctx, key, res.r.refTTL, func(ctx context.Context) (interface{}, error) {
		return res.r.exec.SubmitRead(ctx, key, func(ctx context.Context) (interface{}, error) {
			return res.r.client.GetVLAN(ctx, desired.Name)
		})
	})
	if err == nil {
		existing, ok := value.(*types.ReferenceObject)
		if !ok {
			return nil, false, fmt.Errorf("unexpected cache value for %s", key)
		}
		if existing.Group != desired.Group && desired.Group != "" {
			updated := *existing
			updated.Group = desired.Group
			if _, err := res.r.exec.SubmitWrite(ctx, "update-vlan", func(ctx context.Context) (interface{}, error) {
				return nil, res.r.client.UpdateVLAN(ctx, &updated)
			}); err != nil {
				return nil, false, err
			}
			res.r.cache.Set(key, &updated, res.r.refTTL)
			res.memo[key] = &updated
			return &updated, false, nil
		}
		res.memo[key] = existing
		return existing, false, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, false, err
	}

	created, err := res.r.exec.SubmitWrite(ctx, "create-vlan", func(ctx context.Context) (interface{}, error) {
		return res.r.client.CreateVLAN(ctx, desired)
	})
	if err != nil {
		return nil, false, err
	}
	obj, ok := created.(*types.ReferenceObject)
	if !ok {
		return nil, false, fmt.Errorf("unexpected result creating vlan %s", desired.Name)
	}
	res.r.cache.Set(key, obj, res.r.refTTL)
	res.memo[key] = obj
	return obj, true, nil
}

// InvalidateVlan drops a VLAN's cache entry after it is deleted externally
func (r *Resolver) InvalidateVlan(name string) {
	r.cache.Invalidate("vlan:" + name)
}

// Warm pre-populates the cache with the configured site groups. Failures
// are logged and skipped: warm-up is an optimization, not a requirement.
func (r *Resolver) Warm(ctx context.Context, siteGroups []string) {
	logger := log.WithComponent("resolver")
	res := r.Begin()
	for _, slug := range siteGroups {
		if slug == "" {
			continue
		}
		if _, err := res.SiteGroup(ctx, slug); err != nil {
			logger.Warn().Str("site_group", slug).Err(err).Msg("cache warm-up skipped entry")
		}
	}
}
