// Package query filters segment collections by predicate or free text.
package query
