// Package types holds the shared domain types: segments, reference
// objects, query predicates, and statistics.
package types
