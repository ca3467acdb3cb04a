// Package config loads, defaults, and validates the segmentd YAML
// configuration: the IPAM driver, executor pool sizes, retry and cache
// policy, and the per-site address plan.
package config
