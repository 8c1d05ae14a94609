// Package errors provides standardized error handling patterns for tagstreams components.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: timeouts, lost connections, a signed-out session (retry recommended)
//   - Invalid: unresolvable targets, malformed input, rejected merges (do not retry)
//   - Fatal: rejected credentials, broken configuration (stop the affected unit)
//
// Use the Wrap helpers to add context following "component.method: action failed":
//
//	if err := tag.SetUpdateInterval(ctx, secs); err != nil {
//	    return errors.WrapTransient(err, "Router", "Route", "set update interval")
//	}
//
// Resolution failures wrap one of the domain sentinels so callers can match them
// with errors.Is regardless of how many layers added context:
//
//	if errors.Is(err, errors.ErrTagNotFound) { ... }
//
// APIError carries the HTTP status code reported by the remote cloud API; StatusCode
// extracts it from any wrapped chain.
package errors
