package allocator

import (
	"bytes"
	"net"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/metrics"
	"github.com/ctrlnet/segmentd/pkg/types"
)

const (
	// MinPrefixLen and MaxPrefixLen bound acceptable subnet sizes
	MinPrefixLen = 16
	MaxPrefixLen = 29

	// MaxEPGNameLength bounds the endpoint-group name
	MaxEPGNameLength = 64
)

// epgForbiddenChars are markup/injection characters never valid in an EPG name
const epgForbiddenChars = `<>"'&;`

// Validate runs the candidate checks in order, short-circuiting on the first
// failure. sitePrefix is the configured address-space supernet for the
// candidate's site, nil when the site is unknown. existing is the current
// segment population used for uniqueness and overlap checks.
func Validate(candidate *types.Segment, existing []*types.Segment, sitePrefix *net.IPNet) error {
	// 1. Site must be configured
	if sitePrefix == nil {
		return fail("site", errdefs.Validation("site %q is not configured", candidate.Site))
	}

	// 2. EPG name sanity
	if candidate.EPGName == "" {
		return fail("epg_name", errdefs.Validation("epg_name must not be empty"))
	}
	if len(candidate.EPGName) > MaxEPGNameLength {
		return fail("epg_name", errdefs.Validation("epg_name exceeds %d characters", MaxEPGNameLength))
	}
	if strings.ContainsAny(candidate.EPGName, epgForbiddenChars) {
		return fail("epg_name", errdefs.Validation("epg_name %q contains forbidden characters", candidate.EPGName))
	}

	// 3. VLAN tag range
	if candidate.VlanTag < 1 || candidate.VlanTag > 4094 {
		return fail("vlan_tag", errdefs.Validation("vlan tag %d out of range [1, 4094]", candidate.VlanTag))
	}

	// 4. CIDR well-formed and inside the site's address space
	ip, ipnet, err := net.ParseCIDR(candidate.CIDR)
	if err != nil {
		return fail("cidr", errdefs.Validation("invalid cidr %q: %v", candidate.CIDR, err))
	}
	if !ip.Equal(ipnet.IP) {
		return fail("cidr", errdefs.Validation("cidr %q has host bits set (network address is %s)", candidate.CIDR, ipnet.IP))
	}
	if !sitePrefix.Contains(ipnet.IP) {
		return fail("cidr", errdefs.Validation("cidr %s is outside site address space %s", candidate.CIDR, sitePrefix))
	}

	// 5. Subnet size bounds
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return fail("cidr", errdefs.Validation("cidr %s is not an IPv4 network", candidate.CIDR))
	}
	if ones < MinPrefixLen || ones > MaxPrefixLen {
		return fail("subnet_size", errdefs.Validation("subnet size /%d out of range [/%d, /%d]", ones, MinPrefixLen, MaxPrefixLen))
	}

	// 6. Reserved ranges
	if ipnet.IP.IsLoopback() {
		return fail("reserved_range", errdefs.Validation("cidr %s is in the loopback range", candidate.CIDR))
	}
	if ipnet.IP.IsMulticast() {
		return fail("reserved_range", errdefs.Validation("cidr %s is in the multicast range", candidate.CIDR))
	}
	if ipnet.IP.IsUnspecified() {
		return fail("reserved_range", errdefs.Validation("cidr %s is the unspecified network", candidate.CIDR))
	}

	// 7. No overlap with another active segment in the same site+vrf scope
	for _, other := range existing {
		if other.ID == candidate.ID || !other.Active() {
			continue
		}
		if !strings.EqualFold(other.Site, candidate.Site) || other.VRF != candidate.VRF {
			continue
		}
		_, otherNet, err := net.ParseCIDR(other.CIDR)
		if err != nil {
			continue
		}
		if networksOverlap(ipnet, otherNet) {
			return fail("overlap", errdefs.Conflict(other.ID,
				"cidr %s overlaps segment %s (%s) at site %s", candidate.CIDR, other.ID, other.CIDR, other.Site))
		}
	}

	// 8. (site, vlan tag) unique among active segments
	for _, other := range existing {
		if other.ID == candidate.ID || !other.Active() {
			continue
		}
		if strings.EqualFold(other.Site, candidate.Site) && other.VlanTag == candidate.VlanTag {
			return fail("vlan_unique", errdefs.Conflict(other.ID,
				"vlan %d already used by segment %s at site %s", candidate.VlanTag, other.ID, other.Site))
		}
	}

	// 9. EPG name bound to a single vlan tag per site
	for _, other := range existing {
		if other.ID == candidate.ID || !other.Active() {
			continue
		}
		if strings.EqualFold(other.Site, candidate.Site) &&
			other.EPGName == candidate.EPGName && other.VlanTag != candidate.VlanTag {
			return fail("epg_unique", errdefs.Conflict(other.ID,
				"epg %q already bound to vlan %d at site %s", candidate.EPGName, other.VlanTag, other.Site))
		}
	}

	return nil
}

// fail counts the rejected check before returning its error
func fail(check string, err error) error {
	metrics.ValidationFailures.WithLabelValues(check).Inc()
	return err
}

// networksOverlap reports whether two networks share any addresses. The
// check is bidirectional: either range intersecting the other counts.
func networksOverlap(a, b *net.IPNet) bool {
	firstA, lastA := cidr.AddressRange(a)
	firstB, lastB := cidr.AddressRange(b)
	return ipLessOrEqual(firstA, lastB) && ipLessOrEqual(firstB, lastA)
}

func ipLessOrEqual(a, b net.IP) bool {
	return bytes.Compare(a.To16(), b.To16()) <= 0
}

// ParseSitePrefix parses a configured site supernet, returning nil for an
// unknown site so Validate reports it as unconfigured.
func ParseSitePrefix(sites map[string]string, site string) *net.IPNet {
	for name, prefix := range sites {
		if strings.EqualFold(name, site) {
			_, ipnet, err := net.ParseCIDR(prefix)
			if err != nil {
				return nil
			}
			return ipnet
		}
	}
	return nil
}
