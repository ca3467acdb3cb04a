package types

import (
	"time"
)

// Segment is the primary allocatable entity: a VLAN plus its network block,
// registered in the external IPAM system and tracked here for allocation.
type Segment struct {
	ID          string
	Site        string
	VRF         string
	Tenant      string
	Role        string
	VlanID      int64 // External VLAN object ID, not the 802.1Q tag
	VlanTag     int   // 802.1Q tag, 1-4094
	CIDR        string // Network block, e.g. "192.168.1.0/24"
	EPGName     string
	Description string
	ClusterName string // Comma-joined when shared by multiple clusters
	Status      SegmentStatus
	Released    bool
	AllocatedAt time.Time
	ReleasedAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SegmentStatus represents the lifecycle status of a segment
type SegmentStatus string

const (
	SegmentStatusActive   SegmentStatus = "active"
	SegmentStatusReserved SegmentStatus = "reserved"
)

// Allocated reports whether the segment is currently held by a cluster.
func (s *Segment) Allocated() bool {
	return s.ClusterName != "" && !s.Released
}

// Active reports whether the segment counts against uniqueness and overlap
// invariants. Released segments are out of play.
func (s *Segment) Active() bool {
	return !s.Released
}

// ReferenceKind identifies a class of external reference object
type ReferenceKind string

const (
	ReferenceVRF       ReferenceKind = "vrf"
	ReferenceTenant    ReferenceKind = "tenant"
	ReferenceRole      ReferenceKind = "role"
	ReferenceSiteGroup ReferenceKind = "site-group"
	ReferenceVlanGroup ReferenceKind = "vlan-group"
	ReferenceVlan      ReferenceKind = "vlan"
)

// ReferenceObject is an entity owned by the external IPAM system and cached
// here by reference. ExternalID is the system-of-record identifier; Name and
// Slug form the natural key used for lookup.
type ReferenceObject struct {
	Kind       ReferenceKind
	ExternalID int64
	Name       string
	Slug       string
	Group      string // VLAN group membership, VLANs only
	VlanTag    int    // 802.1Q tag, VLANs only
}

// Predicate filters segments in query.Find. Zero-value fields are not
// matched; to require a string field to be unset, use the Unset sentinel.
type Predicate struct {
	ID          string
	Site        string // Matched case-insensitively
	VRF         string
	Tenant      string
	Role        string
	VlanTag     int
	CIDR        string
	EPGName     string
	ClusterName string
	Status      SegmentStatus
	Released    *bool
}

// Unset is the predicate sentinel matching only truly-unset string fields.
// An empty string stored on a segment does not count as unset here; Unset
// matches only fields that were never populated.
const Unset = "\x00unset"

// SiteStats summarizes allocation state for one site
type SiteStats struct {
	Site           string
	Total          int
	Allocated      int
	Released       int
	Available      int
	AddressesTotal uint64 // Usable addresses across active segments
}

// Stats aggregates per-site statistics
type Stats struct {
	Sites     []SiteStats
	Total     int
	Allocated int
}

// WriteMode selects which external write path the orchestrator invokes
type WriteMode string

const (
	// WriteModeSingle writes to the single configured endpoint
	WriteModeSingle WriteMode = "single"

	// WriteModeReplicated invokes the driver's replicated write entry point.
	// Replication mechanics live in the driver; with one endpoint configured
	// this degrades to the single path.
	WriteModeReplicated WriteMode = "replicated"
)
