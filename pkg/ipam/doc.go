/*
Package ipam defines the client interface for the external IP Address
Management system of record and its driver implementations.

segmentd never owns network objects durably; VRFs, tenants, roles, site
groups, VLAN groups, VLANs, and prefixes all live in the external system and
are consumed here. Two drivers are provided:

  - netboxapi: REST driver for NetBox-style HTTP APIs, with optional
    replica fan-out for replicated write mode
  - postgres: SQL driver for deployments whose system of record is a
    relational IPAM database

Drivers translate their native failure modes into the errdefs taxonomy so
the layers above never inspect HTTP status codes or sql errors.
*/
package ipam
