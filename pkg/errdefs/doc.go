/*
Package errdefs provides the error taxonomy shared by all segmentd components.

Every error crossing a package boundary is classified into one of five kinds:

  - validation: bad input, resolved locally, never retried
  - not_found: a referenced object is absent; for get-only resolution this
    means "must be pre-provisioned externally" and never triggers creation
  - conflict: a uniqueness or overlap violation; carries the conflicting
    entity's identity
  - transient: timeout or connection failure against the external system;
    eligible for bounded retry with backoff
  - invariant: a broken internal invariant such as a detected double
    allocation; surfaced as an internal error and never silently swallowed

Classification is checked with errors.As-based predicates (IsNotFound,
IsTransient, ...) so wrapped errors keep their kind through fmt.Errorf("%w").
Unclassified errors report KindInvariant from KindOf, which keeps unknown
failures out of retry loops.
*/
package errdefs
