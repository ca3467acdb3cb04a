package query

import (
	"strings"

	"github.com/ctrlnet/segmentd/pkg/types"
)

// Find filters segments against a predicate. Comparisons are exact except
// site, which is case-insensitive. The types.Unset sentinel matches only a
// truly-unset field; an empty string set on a segment does not match it.
func Find(segments []*types.Segment, p types.Predicate) []*types.Segment {
	var matched []*types.Segment
	for _, seg := range segments {
		if Matches(seg, p) {
			matched = append(matched, seg)
		}
	}
	return matched
}

// FindOne returns the first matching segment, or nil
func FindOne(segments []*types.Segment, p types.Predicate) *types.Segment {
	for _, seg := range segments {
		if Matches(seg, p) {
			return seg
		}
	}
	return nil
}

// Matches reports whether one segment satisfies the predicate
func Matches(seg *types.Segment, p types.Predicate) bool {
	if !matchString(p.ID, seg.ID) {
		return false
	}
	if p.Site != "" && !strings.EqualFold(p.Site, seg.Site) {
		return false
	}
	if !matchString(p.VRF, seg.VRF) {
		return false
	}
	if !matchString(p.Tenant, seg.Tenant) {
		return false
	}
	if !matchString(p.Role, seg.Role) {
		return false
	}
	if p.VlanTag != 0 && p.VlanTag != seg.VlanTag {
		return false
	}
	if !matchString(p.CIDR, seg.CIDR) {
		return false
	}
	if !matchString(p.EPGName, seg.EPGName) {
		return false
	}
	if !matchString(p.ClusterName, seg.ClusterName) {
		return false
	}
	if p.Status != "" && p.Status != seg.Status {
		return false
	}
	if p.Released != nil && *p.Released != seg.Released {
		return false
	}
	return true
}

// matchString applies exact matching with the Unset sentinel
func matchString(want, got string) bool {
	switch want {
	case "":
		return true
	case types.Unset:
		return got == ""
	default:
		return want == got
	}
}

// Search returns segments with a case-insensitive substring match in
// epg_name, description, cidr, or site.
func Search(segments []*types.Segment, text string) []*types.Segment {
	if text == "" {
		return nil
	}
	needle := strings.ToLower(text)

	var matched []*types.Segment
	for _, seg := range segments {
		if containsFold(seg.EPGName, needle) ||
			containsFold(seg.Description, needle) ||
			containsFold(seg.CIDR, needle) ||
			containsFold(seg.Site, needle) {
			matched = append(matched, seg)
		}
	}
	return matched
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}
