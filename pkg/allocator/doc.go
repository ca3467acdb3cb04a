/*
Package allocator implements candidate validation and atomic segment
allocation.

Validate runs an ordered list of checks over a candidate segment: site
configuration, EPG name sanity, VLAN tag range, CIDR shape and containment
in the site's address space, subnet size bounds, reserved ranges, overlap
against active segments in the same site and VRF, and site-scoped
uniqueness of VLAN tag and EPG name. The first failing check wins and is
counted per check.

Allocate and Release run under a per-site mutex spanning candidate
selection and the mark-allocated write, so concurrent requests over the
same pool can never both win one segment. Selection is deterministic: the
lowest VLAN tag wins. A mark that comes back bearing a different holder is
reported as an invariant violation, not retried.
*/
package allocator
