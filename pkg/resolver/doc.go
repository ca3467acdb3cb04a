/*
Package resolver performs cache-first resolution of external reference
objects.

Site groups, VRFs, tenants, and roles are get-only: they must exist in the
external system already, a miss is a NotFound. VLANs and VLAN groups are
get-or-create, with change detection so an existing VLAN only takes a write
when its desired state actually differs. A Resolution memoizes lookups
within one logical transaction.
*/
package resolver
